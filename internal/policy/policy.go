// Package policy holds the validation rules that decide whether a set of
// staged files may be packed into a given container format. Everything
// here is pure: no I/O, no logging.
package policy

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/maneesh/labarchive/internal/models"
)

const (
	// MaxFileSize is the per-file upload limit (50 MiB)
	MaxFileSize int64 = 50 << 20

	// MaxFiles is the number of files accepted in one request
	MaxFiles = 10

	maxNameLength = 255
)

var (
	ErrNoFilesProvided   = errors.New("no file(s) uploaded")
	ErrTooManyFiles      = fmt.Errorf("too many files, at most %d are accepted", MaxFiles)
	ErrFileTooLarge      = fmt.Errorf("file exceeds the %s limit", humanize.IBytes(uint64(MaxFileSize)))
	ErrUnsupportedFormat = errors.New("unsupported compression type, supported types: zip, tar, gzip")
	ErrUnsupportedArity  = errors.New("gzip compression supports only one file at a time")
	ErrUnsafeName        = errors.New("file name is not allowed")
	ErrDuplicateName     = errors.New("file name was already uploaded")
)

// ValidationError reports a request rejected before any build work
type ValidationError struct {
	Err  error
	Name string
}

func (e *ValidationError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func reject(err error, name string) error {
	return &ValidationError{Err: err, Name: name}
}

// ParseFormat maps a client selector onto a TargetFormat. Matching is
// case-insensitive and an empty selector means zip.
func ParseFormat(selector string) (models.TargetFormat, error) {
	selector = strings.ToLower(strings.TrimSpace(selector))
	if selector == "" {
		return models.FormatZip, nil
	}
	format := models.TargetFormat(selector)
	if !format.Known() {
		return "", reject(ErrUnsupportedFormat, "")
	}
	return format, nil
}

// Validate checks a staged file set against the rules of format.
// An empty set is always reported as ErrNoFilesProvided, whatever the format.
func Validate(files []models.InputFile, format models.TargetFormat) error {
	if len(files) == 0 {
		return reject(ErrNoFilesProvided, "")
	}
	if !format.Known() {
		return reject(ErrUnsupportedFormat, "")
	}
	if len(files) > MaxFiles {
		return reject(ErrTooManyFiles, "")
	}
	for _, f := range files {
		if err := CheckSize(f.Name, f.Size); err != nil {
			return err
		}
	}
	if format == models.FormatGzip && len(files) != 1 {
		return reject(ErrUnsupportedArity, "")
	}
	return nil
}

// CheckSize rejects sizes above MaxFileSize
func CheckSize(name string, size int64) error {
	if size > MaxFileSize {
		return reject(ErrFileTooLarge, name)
	}
	return nil
}

// CheckName rejects names that are unusable as a single archive entry or
// that could resolve outside a staging directory
func CheckName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return reject(ErrUnsafeName, name)
	case len(name) > maxNameLength:
		return reject(ErrUnsafeName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return reject(ErrUnsafeName, name)
	case filepath.IsAbs(name), filepath.VolumeName(name) != "":
		return reject(ErrUnsafeName, name)
	}
	return nil
}
