// Package workspace owns the on-disk housekeeping that ends every daily run.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const logDayLayout = "2006_01_02"

// LogFileName is the daily log file for day: <dir>/<YYYY_MM_DD>_log_file.log.
func LogFileName(dir string, day time.Time) string {
	return filepath.Join(dir, day.Format(logDayLayout)+"_log_file.log")
}

type CleanerConfig struct {
	InputDir  string
	OutputDir string
	// LogDir is skipped when empty.
	LogDir        string
	RetentionDays int
	// Keep names the input file that survives a clean, usually the
	// carry-forward ledger written for today. Nil keeps nothing.
	Keep func(today time.Time) string
}

// Cleaner empties the output dir, empties the input dir except for the
// file named by Keep, and removes the log file from RetentionDays ago.
type Cleaner struct {
	fs     afero.Fs
	config CleanerConfig
	log    logrus.FieldLogger
}

func NewCleaner(fs afero.Fs, config CleanerConfig, log logrus.FieldLogger) *Cleaner {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cleaner{fs: fs, config: config, log: log}
}

// Clean runs every step even when an earlier one fails and returns the
// failures joined.
func (c *Cleaner) Clean(today time.Time) error {
	var errs []error

	if err := c.clearDir(c.config.OutputDir, ""); err != nil {
		errs = append(errs, err)
	}

	keep := ""
	if c.config.Keep != nil {
		keep = filepath.Base(c.config.Keep(today))
	}
	if err := c.clearDir(c.config.InputDir, keep); err != nil {
		errs = append(errs, err)
	}

	// A window of zero days would name the log file of the running day.
	if c.config.LogDir != "" && c.config.RetentionDays > 0 {
		old := LogFileName(c.config.LogDir, today.AddDate(0, 0, -c.config.RetentionDays))
		if err := c.fs.Remove(old); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("failed to remove old log %s: %w", old, err))
			} else {
				c.log.WithField("file", old).Debug("old log file not present")
			}
		} else {
			c.log.WithField("file", old).Info("old log file deleted")
		}
	}

	return errors.Join(errs...)
}

// clearDir removes the regular files directly under dir, except keep.
func (c *Cleaner) clearDir(dir, keep string) error {
	if dir == "" {
		return nil
	}
	entries, err := afero.ReadDir(c.fs, dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == keep {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := c.fs.Remove(path); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", path, err))
			continue
		}
		c.log.WithField("file", path).Debug("deleted")
	}
	return errors.Join(errs...)
}
