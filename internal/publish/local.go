package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Local copies artifacts into a directory that the API serves under
// URLPrefix.
type Local struct {
	fs        afero.Fs
	dir       string
	urlPrefix string
}

func NewLocal(fs afero.Fs, dir, urlPrefix string) (*Local, error) {
	if fs == nil {
		return nil, errors.New("public filesystem is required")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("public directory is required")
	}
	urlPrefix = "/" + strings.Trim(strings.TrimSpace(urlPrefix), "/")
	if urlPrefix == "/" {
		return nil, errors.New("url prefix must not be the site root")
	}
	return &Local{fs: fs, dir: filepath.Clean(dir), urlPrefix: urlPrefix}, nil
}

func (l *Local) Publish(ctx context.Context, a Artifacts) (URLs, error) {
	if err := l.fs.MkdirAll(l.dir, 0o755); err != nil {
		return URLs{}, fmt.Errorf("create public dir: %w", err)
	}

	for _, f := range []struct{ src, name string }{
		{a.OriginalPath, a.OriginalName},
		{a.ProcessedPath, a.ProcessedName},
	} {
		if err := ctx.Err(); err != nil {
			return URLs{}, err
		}
		if err := l.copy(f.src, f.name); err != nil {
			return URLs{}, err
		}
	}

	return URLs{
		Original:  l.URL(a.OriginalName),
		Processed: l.URL(a.ProcessedName),
	}, nil
}

// URL is the client path of a published file.
func (l *Local) URL(name string) string {
	return path.Join(l.urlPrefix, name)
}

func (l *Local) URLPrefix() string {
	return l.urlPrefix
}

// Handler serves the public directory. It is meant to be mounted with the URL
// prefix stripped.
func (l *Local) Handler() http.Handler {
	return http.FileServer(afero.NewHttpFs(l.fs).Dir(l.dir))
}

func (l *Local) copy(src, name string) error {
	if name == "" || name != filepath.Base(name) {
		return fmt.Errorf("invalid public name %q", name)
	}

	in, err := l.fs.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer in.Close()

	dst := filepath.Join(l.dir, name)
	out, err := l.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create public %s: %w", name, err)
	}
	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = l.fs.Remove(dst)
		return fmt.Errorf("copy %s: %w", name, err)
	}
	return nil
}
