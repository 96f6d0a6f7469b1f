package fleet

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/galadd/botfleet/internal/secrets"
)

const (
	DatabaseFile = "tradesv3.sqlite"
	TemplateFile = "config.json"
)

// UserPaths is the host side layout of one user's directory.
type UserPaths struct {
	Root        string
	ConfigDir   string
	LogsDir     string
	DatabaseDir string
	Template    string
}

// UserDirs manages <root>/<uid>/{config,logs,database}.
type UserDirs struct {
	root         string
	baseTemplate string
	port         int
}

// NewUserDirs roots user directories at root. When baseTemplate is set, a missing user
// template is rendered from it; otherwise a missing template is ErrUserDirMissing.
func NewUserDirs(root, baseTemplate string, containerPort int) *UserDirs {
	return &UserDirs{root: root, baseTemplate: baseTemplate, port: containerPort}
}

func (d *UserDirs) Paths(uid UserID) UserPaths {
	root := filepath.Join(d.root, uid.String())
	config := filepath.Join(root, "config")
	return UserPaths{
		Root:        root,
		ConfigDir:   config,
		LogsDir:     filepath.Join(root, "logs"),
		DatabaseDir: filepath.Join(root, "database"),
		Template:    filepath.Join(config, TemplateFile),
	}
}

// Prepare makes sure every mount source exists before the service is submitted.
// The database file is touched so the bind mount never materialises it as a directory.
func (d *UserDirs) Prepare(uid UserID) (UserPaths, error) {
	p := d.Paths(uid)

	for _, dir := range []string{p.ConfigDir, p.LogsDir, p.DatabaseDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return p, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	db, err := os.OpenFile(filepath.Join(p.DatabaseDir, DatabaseFile), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return p, fmt.Errorf("failed to touch database file: %w", err)
	}
	db.Close()

	if _, err := os.Stat(p.Template); errors.Is(err, fs.ErrNotExist) {
		if err := d.render(uid, p); err != nil {
			return p, err
		}
	} else if err != nil {
		return p, fmt.Errorf("failed to stat template: %w", err)
	}

	if _, err := secrets.ScrubFile(p.Template); err != nil {
		return p, fmt.Errorf("failed to scrub template: %w", err)
	}
	return p, nil
}

func (d *UserDirs) render(uid UserID, p UserPaths) error {
	if d.baseTemplate == "" {
		return fmt.Errorf("%w: %s has no %s", ErrUserDirMissing, p.Root, TemplateFile)
	}
	base, err := os.ReadFile(d.baseTemplate)
	if err != nil {
		return fmt.Errorf("failed to read base template: %w", err)
	}
	out, err := secrets.Render(base, secrets.TemplateParams{
		BotName:       "freqtrade_" + uid.String(),
		DBURL:         ContainerDBURL,
		LogFile:       ContainerLogFile,
		ContainerPort: d.port,
	})
	if err != nil {
		return fmt.Errorf("failed to render template: %w", err)
	}
	if err := os.WriteFile(p.Template, out, 0o644); err != nil {
		return fmt.Errorf("failed to write template: %w", err)
	}
	return nil
}

// Scrub resets any credential found in an existing template to placeholders.
func (d *UserDirs) Scrub(uid UserID) (bool, error) {
	changed, err := secrets.ScrubFile(d.Paths(uid).Template)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return changed, err
}
