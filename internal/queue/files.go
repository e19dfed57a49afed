package queue

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/molequeue/pkg/types"
)

// ErrRefusedPath is returned when asked to remove an empty path or "/".
var ErrRefusedPath = errors.New("refusing to remove directory")

// WriteInputFiles materializes the job's working directory: the input file,
// the additional input files, and the launch script (mode 0755).
func WriteInputFiles(job types.Job, scriptName, script string) error {
	dir := job.LocalWorkingDirectory
	if dir == "" {
		return fmt.Errorf("job %d has no local working directory", job.MoleQueueID)
	}

	if _, err := os.Stat(dir); err == nil {
		log.Warn("directory already exists", "path", dir, "moleQueueId", job.MoleQueueID)
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", dir, err)
	}

	if job.InputFile.Valid() {
		if err := writeFileSpec(dir, job.InputFile); err != nil {
			return err
		}
	}

	for _, spec := range job.AdditionalInputFiles {
		if !spec.Valid() {
			return fmt.Errorf("invalid additional input file %+v", spec)
		}
		if err := writeFileSpec(dir, spec); err != nil {
			return err
		}
	}

	if scriptName == "" {
		return nil
	}
	path := filepath.Join(dir, scriptName)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return fmt.Errorf("cannot write launch script %s: %w", path, err)
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("cannot set executable permissions on %s: %w", path, err)
	}
	return nil
}

func writeFileSpec(dir string, spec types.FileSpec) error {
	target := filepath.Join(dir, spec.Name())

	if spec.Path == "" || spec.Contents != "" {
		if err := os.WriteFile(target, []byte(spec.Contents), 0o644); err != nil {
			return fmt.Errorf("cannot write input file %s: %w", target, err)
		}
		return nil
	}

	source, err := filepath.Abs(spec.Path)
	if err != nil {
		return fmt.Errorf("bad input file path %s: %w", spec.Path, err)
	}
	if source == target {
		log.Warn("input file already in place", "path", target)
		return nil
	}
	return copyFile(source, target)
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", from, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("cannot stat %s: %w", from, err)
	}

	dst, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", to, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("cannot copy %s -> %s: %w", from, to, err)
	}
	return dst.Close()
}

// CopyDirectory recursively copies the contents of from into to.
func CopyDirectory(from, to string) error {
	info, err := os.Stat(from)
	if err != nil {
		return fmt.Errorf("cannot copy %s -> %s: source directory does not exist: %w", from, to, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cannot copy %s -> %s: source is not a directory", from, to)
	}
	if err := os.MkdirAll(to, 0o755); err != nil {
		return fmt.Errorf("cannot copy %s -> %s: cannot mkdir target: %w", from, to, err)
	}

	entries, err := os.ReadDir(from)
	if err != nil {
		return fmt.Errorf("cannot list %s: %w", from, err)
	}
	for _, e := range entries {
		src := filepath.Join(from, e.Name())
		dst := filepath.Join(to, e.Name())
		if e.IsDir() {
			err = CopyDirectory(src, dst)
		} else {
			err = copyFile(src, dst)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// RemoveDirectory deletes a local tree. It refuses empty paths and "/".
func RemoveDirectory(p string) error {
	path := filepath.Clean(p)
	if strings.TrimSpace(p) == "" || path == "/" {
		return fmt.Errorf("%w: %q", ErrRefusedPath, p)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("cannot remove %s from local filesystem: %w", path, err)
	}
	return nil
}

// finalizeOutputDirectory copies the working directory to the job's custom
// output directory, if one is set.
func finalizeOutputDirectory(job types.Job) error {
	out := job.OutputDirectory
	if out == "" || filepath.Clean(out) == filepath.Clean(job.LocalWorkingDirectory) {
		return nil
	}
	if err := CopyDirectory(job.LocalWorkingDirectory, out); err != nil {
		log.Error("cannot copy job output to output directory", "moleQueueId", job.MoleQueueID,
			"from", job.LocalWorkingDirectory, "to", out, "error", err)
		return err
	}
	return nil
}

func cleanLocalDirectory(job types.Job) {
	if err := RemoveDirectory(job.LocalWorkingDirectory); err != nil {
		log.Error("cannot clean local working directory", "moleQueueId", job.MoleQueueID, "error", err)
	}
}
