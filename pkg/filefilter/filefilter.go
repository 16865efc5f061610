// Package filefilter decides which local files may be attached to a chat message
// and loads them as attachments.
package filefilter

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/denormal/go-gitignore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var (
	ErrNotAllowed = errors.New("file type not allowed")
	ErrTooLarge   = errors.New("file too large")
	ErrIgnored    = errors.New("file is gitignored")
)

const DefaultMaxFileSize int64 = 10 << 20

// Initialize default values
var (
	DefaultImageExts = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".svg"}
	DefaultDocExts   = []string{".pdf", ".doc", ".docx", ".txt", ".csv", ".xlsx", ".xls"}

	DefaultExcludedDirs = []string{
		".git", ".svn", "node_modules", "vendor", ".history", ".idea", ".vscode", "build", "dist",
	}

	DefaultExcludedMatchFilenames = []*regexp.Regexp{
		regexp.MustCompile(`^\.DS_Store$`),
		regexp.MustCompile(`^~\$`),
	}
)

// DefaultAllowedExts mirrors the upload picker: images, PDFs, office documents,
// plain text and CSV.
func DefaultAllowedExts() []string {
	out := append([]string(nil), DefaultImageExts...)
	return append(out, DefaultDocExts...)
}

type Filter struct {
	MaxFileSize      int64    `yaml:"max-file-size,omitempty"`
	AllowedExts      []string `yaml:"allowed-exts,omitempty"`
	ExcludeDirs      []string `yaml:"exclude-dirs,omitempty"`
	RespectGitIgnore bool     `yaml:"respect-gitignore"`

	GitIgnoreFilter gitignore.GitIgnore `yaml:"-"`

	// Default values (not serialized)
	DefaultExcludedDirs           []string         `yaml:"-"`
	DefaultExcludedMatchFilenames []*regexp.Regexp `yaml:"-"`
}

type Option func(*Filter)

func New(options ...Option) *Filter {
	f := &Filter{
		MaxFileSize:                   DefaultMaxFileSize,
		AllowedExts:                   DefaultAllowedExts(),
		RespectGitIgnore:              true,
		DefaultExcludedDirs:           DefaultExcludedDirs,
		DefaultExcludedMatchFilenames: DefaultExcludedMatchFilenames,
	}
	for _, option := range options {
		option(f)
	}
	return f
}

func WithMaxFileSize(size int64) Option {
	return func(f *Filter) {
		f.MaxFileSize = size
	}
}

func WithAllowedExts(exts []string) Option {
	return func(f *Filter) {
		f.AllowedExts = exts
	}
}

func WithExcludeDirs(dirs []string) Option {
	return func(f *Filter) {
		f.ExcludeDirs = dirs
	}
}

func WithGitIgnoreFilter(filter gitignore.GitIgnore) Option {
	return func(f *Filter) {
		f.GitIgnoreFilter = filter
	}
}

func WithRespectGitIgnore(respect bool) Option {
	return func(f *Filter) {
		f.RespectGitIgnore = respect
	}
}

// FromYAML deserializes a Filter, keeping defaults for missing fields.
func FromYAML(data []byte) (*Filter, error) {
	f := New()
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, errors.Wrap(err, "parse attachment filter")
	}
	return f, nil
}

func (f *Filter) ToYAML() ([]byte, error) {
	return yaml.Marshal(f)
}

// LoadGitIgnore reads dir/.gitignore if present. A missing file yields nil.
func LoadGitIgnore(dir string) (gitignore.GitIgnore, error) {
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "stat .gitignore")
	}
	gi, err := gitignore.NewFromFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error initializing gitignore filter from file")
	}
	return gi, nil
}

func (f *Filter) ignored(path string) bool {
	if !f.RespectGitIgnore || f.GitIgnoreFilter == nil || path == "." {
		return false
	}
	match := f.GitIgnoreFilter.Match(path)
	return match != nil && match.Ignore()
}

func (f *Filter) isExcludedDir(dirPath string) bool {
	base := filepath.Base(dirPath)
	for _, excluded := range f.DefaultExcludedDirs {
		if base == excluded {
			return true
		}
	}
	for _, excluded := range f.ExcludeDirs {
		if base == excluded {
			return true
		}
	}
	return f.ignored(dirPath)
}

func (f *Filter) extAllowed(path string) bool {
	if len(f.AllowedExts) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range f.AllowedExts {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// Check reports why a regular file cannot be attached, or nil if it can.
func (f *Filter) Check(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "attachment %s", path)
	}
	if info.IsDir() {
		return errors.Errorf("attachment %s is a directory", path)
	}
	if !f.extAllowed(path) {
		return errors.Wrapf(ErrNotAllowed, "%s", path)
	}
	if f.MaxFileSize > 0 && info.Size() > f.MaxFileSize {
		return errors.Wrapf(ErrTooLarge, "%s is %d bytes, limit %d", path, info.Size(), f.MaxFileSize)
	}
	base := filepath.Base(path)
	for _, re := range f.DefaultExcludedMatchFilenames {
		if re.MatchString(base) {
			return errors.Wrapf(ErrNotAllowed, "%s", path)
		}
	}
	if f.ignored(path) {
		return errors.Wrapf(ErrIgnored, "%s", path)
	}
	return nil
}

func (f *Filter) Allow(path string) bool {
	return f.Check(path) == nil
}

// Collect expands paths into the list of files to attach. Files named
// explicitly must pass the filter; directories are walked and only files that
// pass are kept. The result is deduplicated and keeps input order.
func (f *Filter) Collect(paths []string) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	add := func(p string) {
		clean := filepath.Clean(p)
		if _, ok := seen[clean]; ok {
			return
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, errors.Wrapf(err, "attachment %s", p)
		}
		if !info.IsDir() {
			if err := f.Check(p); err != nil {
				return nil, err
			}
			add(p)
			continue
		}

		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != p && f.isExcludedDir(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if err := f.Check(path); err != nil {
				log.Debug().Str("component", "filefilter").Str("path", path).Err(err).Msg("skipping file")
				return nil
			}
			add(path)
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "walk %s", p)
		}
	}
	return out, nil
}
