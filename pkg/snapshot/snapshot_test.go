package snapshot

import (
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/savesync/pkg/errors"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type mockFile struct {
	path     string
	contents string
	modTime  time.Time
}

func (f mockFile) writeToFs(t *testing.T) {
	require.NoError(t, afero.WriteFile(fs, f.path, []byte(f.contents), 0644))
	require.NoError(t, fs.Chtimes(f.path, f.modTime, f.modTime))
}

func setupSaveDir(t *testing.T, files ...mockFile) {
	fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/saves", 0755))
	for _, f := range files {
		f.writeToFs(t)
	}
}

func defaultSaveFiles() []mockFile {
	return []mockFile{
		{path: "/saves/slot1.sav", contents: "slot one", modTime: baseTime},
		{path: "/saves/slot2.SAV", contents: "slot two", modTime: baseTime.Add(time.Minute)},
		{path: "/saves/profile/settings.ini", contents: "volume=3", modTime: baseTime.Add(2 * time.Minute)},
		{path: "/saves/cache/shader.bin", contents: "junk", modTime: baseTime},
	}
}

func TestMatcher(t *testing.T) {
	tests := []struct {
		name      string
		selectors []string
		path      string
		exp       bool
	}{
		{"EmptyMatchesAll", nil, "a/b/c.bin", true},
		{"DoubleStarMatchesAll", []string{"**"}, "a/b/c.bin", true},
		{"DoubleStarSlashStarMatchesAll", []string{"**/*"}, "c.bin", true},
		{"RecursiveExtension", []string{"**/*.sav"}, "profile/slot1.sav", true},
		{"RecursiveExtensionAtRoot", []string{"**/*.sav"}, "slot1.sav", true},
		{"CaseInsensitive", []string{"*.sav"}, "SLOT1.SAV", true},
		{"StarStaysInSegment", []string{"*.sav"}, "profile/slot1.sav", false},
		{"QuestionMark", []string{"slot?.sav"}, "slot1.sav", true},
		{"QuestionMarkSingleChar", []string{"slot?.sav"}, "slot10.sav", false},
		{"SubdirPattern", []string{"profile/**"}, "profile/a/b.ini", true},
		{"NoMatch", []string{"*.sav"}, "settings.ini", false},
		{"AnyOfMany", []string{"*.ini", "profile/*.ini"}, "profile/settings.ini", true},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			m, err := NewMatcher(test.selectors)
			require.NoError(t, err)
			assert.Equal(t, test.exp, m.Match(test.path))
		})
	}
}

func TestScan(t *testing.T) {
	setupSaveDir(t, defaultSaveFiles()...)

	result, err := Scan("/saves", []string{"**/*.sav", "profile/*.ini"})
	require.NoError(t, err)

	var paths []string
	for _, f := range result.Files {
		paths = append(paths, f.RelPath)
	}
	assert.Equal(t, []string{"profile/settings.ini", "slot1.sav", "slot2.SAV"}, paths)
	assert.Equal(t, int64(len("slot one")+len("slot two")+len("volume=3")), result.TotalBytes)
	assert.Len(t, result.Fingerprint, 64)
}

func TestFingerprintOrderIndependent(t *testing.T) {
	setupSaveDir(t, defaultSaveFiles()...)

	result, err := Scan("/saves", nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]File{}, result.Files...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		fingerprint, err := Fingerprint(shuffled)
		require.NoError(t, err)
		assert.Equal(t, result.Fingerprint, fingerprint)
	}
}

func TestFingerprintChanges(t *testing.T) {
	setupSaveDir(t, defaultSaveFiles()...)
	original, err := Scan("/saves", nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(t *testing.T)
	}{
		{
			name: "Contents",
			mutate: func(t *testing.T) {
				mockFile{path: "/saves/slot1.sav", contents: "slot 1!!", modTime: baseTime}.writeToFs(t)
			},
		},
		{
			name: "ModTime",
			mutate: func(t *testing.T) {
				require.NoError(t, fs.Chtimes("/saves/slot1.sav", baseTime.Add(time.Hour), baseTime.Add(time.Hour)))
			},
		},
		{
			name: "Rename",
			mutate: func(t *testing.T) {
				require.NoError(t, fs.Rename("/saves/slot1.sav", "/saves/slot3.sav"))
			},
		},
		{
			name: "NewFile",
			mutate: func(t *testing.T) {
				mockFile{path: "/saves/slot4.sav", contents: "", modTime: baseTime}.writeToFs(t)
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			setupSaveDir(t, defaultSaveFiles()...)
			test.mutate(t)

			changed, err := Scan("/saves", nil)
			require.NoError(t, err)
			assert.NotEqual(t, original.Fingerprint, changed.Fingerprint)
		})
	}
}

func TestScanErrors(t *testing.T) {
	setupSaveDir(t, defaultSaveFiles()...)

	_, err := Scan("/saves", []string{"*.nothing"})
	assert.Equal(t, errors.NoFilesFound{Root: "/saves"}, err)

	_, err = Scan("/missing", nil)
	assert.Equal(t, errors.FileNotFound{Path: "/missing"}, err)

	_, err = Build("/saves", []string{"*.nothing"}, "/archives/out.zip")
	assert.Equal(t, errors.NoFilesFound{Root: "/saves"}, err)
	exists, err := afero.Exists(fs, "/archives/out.zip")
	require.NoError(t, err)
	assert.False(t, exists, "no archive is written when nothing matches")
}

func TestBuildAndExtract(t *testing.T) {
	files := defaultSaveFiles()
	setupSaveDir(t, files...)

	built, err := Build("/saves", nil, "/archives/out.zip")
	require.NoError(t, err)
	assert.Len(t, built.Files, len(files))

	scanned, err := Scan("/saves", nil)
	require.NoError(t, err)
	assert.Equal(t, scanned.Fingerprint, built.Fingerprint,
		"archiving doesn't change the fingerprint")

	exists, err := afero.Exists(fs, "/archives/out.zip.partial")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, Extract("/archives/out.zip", "/restored"))
	for _, f := range files {
		rel, err := filepath.Rel("/saves", f.path)
		require.NoError(t, err)
		restored := filepath.Join("/restored", rel)

		contents, err := afero.ReadFile(fs, restored)
		require.NoError(t, err)
		assert.Equal(t, f.contents, string(contents))

		fi, err := fs.Stat(restored)
		require.NoError(t, err)
		assert.True(t, f.modTime.Equal(fi.ModTime()), "modtime of %s", rel)
	}

	restoredScan, err := Scan("/restored", nil)
	require.NoError(t, err)
	assert.Equal(t, built.Fingerprint, restoredScan.Fingerprint,
		"a restored directory has the fingerprint of the capture")
}

func TestCapture(t *testing.T) {
	setupSaveDir(t, defaultSaveFiles()...)

	snap, err := Capture("game-a", "/saves", []string{"*.sav"}, "/archives", baseTime)
	require.NoError(t, err)

	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, "game-a", snap.EntityID)
	assert.Equal(t, baseTime, snap.CreatedAt)
	assert.Equal(t, 2, snap.FileCount)
	assert.Equal(t, "/archives/game-a", filepath.Dir(snap.ArchivePath))
	assert.Equal(t, "game-a-20240301-120000-"+snap.ID[:8]+".zip", snap.ArchiveName())

	fi, err := fs.Stat(snap.ArchivePath)
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), snap.SizeBytes)

	result, err := Scan("/saves", []string{"*.sav"})
	require.NoError(t, err)
	assert.Equal(t, result.Fingerprint, snap.Fingerprint)
}
