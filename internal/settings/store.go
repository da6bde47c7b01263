// Package settings is the persistent section/option store that backs device
// calibration constants and user preferences.
//
// The backing file is INI formatted; each value is a literal as produced by
// Encode. Every read and write of the persisted representation is serialized
// by a single store-wide mutex. That mutex is a serialization primitive, not a
// transaction: there is no atomic multi-key write and no rollback beyond the
// key being written.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-ini/ini"
)

var (
	ErrNotFound = errors.New("setting not found")
	ErrParse    = errors.New("setting value unparsable")
	ErrIO       = errors.New("settings i/o failure")
)

var loadOptions = ini.LoadOptions{
	PreserveSurroundedQuote: true,
	IgnoreContinuation:      true,
}

// Store is safe for concurrent use by multiple device actors.
type Store struct {
	mu   sync.Mutex
	path string
	file *ini.File
	log  *slog.Logger

	onWrite func(section, option string, err error)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for write failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithWriteHook registers a callback invoked after every Write attempt.
func WithWriteHook(fn func(section, option string, err error)) Option {
	return func(s *Store) { s.onWrite = fn }
}

// Open loads the store at path. A missing file is not an error; it is
// created on first write.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	f, err := load(path)
	if err != nil {
		return nil, err
	}
	s.file = f
	return s, nil
}

func load(path string) (*ini.File, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ini.Empty(loadOptions), nil
	}
	f, err := ini.LoadSources(loadOptions, path)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrIO, path, err)
	}
	return f, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Reload re-reads the backing file, replacing the in-memory view. On failure
// the previous view is kept.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := load(s.path)
	if err != nil {
		return err
	}
	s.file = f
	return nil
}

// Raw returns the stored literal text.
func (s *Store) Raw(section, option string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rawLocked(section, option)
}

func (s *Store) rawLocked(section, option string) (string, error) {
	sec, err := s.file.GetSection(section)
	if err != nil {
		return "", fmt.Errorf("%w: section %q", ErrNotFound, section)
	}
	if !sec.HasKey(option) {
		return "", fmt.Errorf("%w: %s.%s", ErrNotFound, section, option)
	}
	return sec.Key(option).String(), nil
}

// Read returns the decoded value of section.option.
func (s *Store) Read(section, option string) (any, error) {
	raw, err := s.Raw(section, option)
	if err != nil {
		return nil, err
	}
	v, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", section, option, err)
	}
	return v, nil
}

// Decode reads section.option into out.
func (s *Store) Decode(section, option string, out any) error {
	raw, err := s.Raw(section, option)
	if err != nil {
		return err
	}
	if err := DecodeInto(raw, out); err != nil {
		return fmt.Errorf("%s.%s: %w", section, option, err)
	}
	return nil
}

// Float reads a numeric setting; integers are widened.
func (s *Store) Float(section, option string) (float64, error) {
	v, err := s.Read(section, option)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	}
	return 0, fmt.Errorf("%w: %s.%s is %T, not a number", ErrParse, section, option, v)
}

// Int reads an integer setting.
func (s *Store) Int(section, option string) (int, error) {
	v, err := s.Read(section, option)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	}
	return 0, fmt.Errorf("%w: %s.%s is %T, not an integer", ErrParse, section, option, v)
}

// String reads a string setting.
func (s *Store) String(section, option string) (string, error) {
	v, err := s.Read(section, option)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s.%s is %T, not a string", ErrParse, section, option, v)
	}
	return str, nil
}

// Bool reads a boolean setting.
func (s *Store) Bool(section, option string) (bool, error) {
	v, err := s.Read(section, option)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s.%s is %T, not a bool", ErrParse, section, option, v)
	}
	return b, nil
}

// Write encodes value and persists it. If persisting fails the in-memory
// value reverts, so the last successfully written value stays authoritative.
func (s *Store) Write(section, option string, value any) error {
	raw, err := Encode(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = s.writeLocked(section, option, raw)
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("settings write failed", "section", section, "option", option, "err", err)
	}
	if s.onWrite != nil {
		s.onWrite(section, option, err)
	}
	return err
}

func (s *Store) writeLocked(section, option, raw string) error {
	_, secErr := s.file.GetSection(section)
	prev, prevErr := s.rawLocked(section, option)

	s.file.Section(section).Key(option).SetValue(raw)
	if err := s.persistLocked(); err != nil {
		switch {
		case secErr != nil:
			s.file.DeleteSection(section)
		case prevErr != nil:
			s.file.Section(section).DeleteKey(option)
		default:
			s.file.Section(section).Key(option).SetValue(prev)
		}
		return err
	}
	return nil
}

func (s *Store) persistLocked() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmpName := tmp.Name()
	if _, err := s.file.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %v", ErrIO, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close %s: %v", ErrIO, tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename %s: %v", ErrIO, s.path, err)
	}
	return nil
}

// Sections returns the names of all non-default sections.
func (s *Store) Sections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, name := range s.file.SectionStrings() {
		if name == ini.DefaultSection {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Options returns the option names in a section.
func (s *Store) Options(section string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, err := s.file.GetSection(section)
	if err != nil {
		return nil
	}
	return sec.KeyStrings()
}
