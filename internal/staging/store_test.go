package staging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/pixelshift/internal/domain"
)

const workerSource = "/app/scripts/process_image.py"

func newMemStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, workerSource, []byte("#!/usr/bin/env python3\n"), 0o644))

	store, err := NewStore(fs, "/var/staging", workerSource)
	require.NoError(t, err)
	return store, fs
}

func TestEnsureIsIdempotent(t *testing.T) {
	store, fs := newMemStore(t)

	require.NoError(t, store.Ensure())
	require.NoError(t, store.Ensure())

	info, err := fs.Stat("/var/staging")
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestWriteInputUsesGeneratedName(t *testing.T) {
	store, fs := newMemStore(t)
	require.NoError(t, store.Ensure())

	artifact := domain.UploadArtifact{ID: "1234", Extension: "png"}
	path, n, err := store.WriteInput(artifact, strings.NewReader("pixels"))
	require.NoError(t, err)
	require.Equal(t, int64(6), n)
	require.Equal(t, filepath.Join("/var/staging", "1234.png"), path)

	got, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	require.Equal(t, "pixels", string(got))
}

func TestWriteInputNeverOverwrites(t *testing.T) {
	store, fs := newMemStore(t)
	require.NoError(t, store.Ensure())

	artifact := domain.UploadArtifact{ID: "dup", Extension: "jpg"}
	_, _, err := store.WriteInput(artifact, strings.NewReader("first"))
	require.NoError(t, err)

	_, _, err = store.WriteInput(artifact, strings.NewReader("second"))
	require.Error(t, err)

	got, err := afero.ReadFile(fs, store.Path("dup.jpg"))
	require.NoError(t, err)
	require.Equal(t, "first", string(got))
}

func TestWriteInputFailsOnReadOnlyFilesystem(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, base.MkdirAll("/var/staging", 0o755))

	store, err := NewStore(afero.NewReadOnlyFs(base), "/var/staging", workerSource)
	require.NoError(t, err)

	_, _, err = store.WriteInput(domain.UploadArtifact{ID: "x", Extension: "png"}, bytes.NewReader([]byte("a")))
	require.Error(t, err)
}

func TestStageWorkerCopiesProgramPerJob(t *testing.T) {
	store, fs := newMemStore(t)
	require.NoError(t, store.Ensure())

	first, err := store.StageWorker("job-a")
	require.NoError(t, err)
	second, err := store.StageWorker("job-b")
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.Equal(t, filepath.Join("/var/staging", "worker_job-a.py"), first)

	got, err := afero.ReadFile(fs, first)
	require.NoError(t, err)
	require.Equal(t, "#!/usr/bin/env python3\n", string(got))
}

func TestStageWorkerMissingProgram(t *testing.T) {
	store, err := NewStore(afero.NewMemMapFs(), "/var/staging", "/nope.py")
	require.NoError(t, err)
	require.NoError(t, store.Ensure())

	_, err = store.StageWorker("job")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRemove(t *testing.T) {
	store, fs := newMemStore(t)
	require.NoError(t, store.Ensure())

	artifact := domain.UploadArtifact{ID: "gone", Extension: "png"}
	_, _, err := store.WriteInput(artifact, strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, store.Remove(artifact.FileName(), artifact.ProcessedFileName()))

	exists, err := afero.Exists(fs, store.Path(artifact.FileName()))
	require.NoError(t, err)
	require.False(t, exists)

	err = store.Remove("../etc/passwd")
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(nil, "/x", workerSource)
	require.Error(t, err)
	_, err = NewStore(afero.NewMemMapFs(), " ", workerSource)
	require.Error(t, err)
	_, err = NewStore(afero.NewMemMapFs(), "/x", "")
	require.Error(t, err)
}

func TestNewStoreResolvesRelativeRoot(t *testing.T) {
	t.Chdir(t.TempDir())
	cwd, err := os.Getwd()
	require.NoError(t, err)

	store, err := NewStore(afero.NewMemMapFs(), "staging", workerSource)
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(store.Root()))
	require.Equal(t, filepath.Join(cwd, "staging"), store.Root())

	// Later chdirs do not move the staging root.
	t.Chdir(t.TempDir())
	require.Equal(t, filepath.Join(cwd, "staging", "a.png"), store.Path("a.png"))
}

func TestCheckWorker(t *testing.T) {
	store, fs := newMemStore(t)
	require.NoError(t, store.CheckWorker())

	missing, err := NewStore(fs, "/var/staging", "/nope.py")
	require.NoError(t, err)
	require.ErrorIs(t, missing.CheckWorker(), os.ErrNotExist)

	require.NoError(t, fs.MkdirAll("/app/scripts/dir.py", 0o755))
	dir, err := NewStore(fs, "/var/staging", "/app/scripts/dir.py")
	require.NoError(t, err)
	require.ErrorContains(t, dir.CheckWorker(), "not a regular file")
}
