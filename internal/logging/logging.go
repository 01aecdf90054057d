// Package logging wires the global zerolog logger to the console and a
// daily log file, and compresses old daily files.
package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const dateLayout = "2006-01-02"

// Options controls Setup.
type Options struct {
	Level string
	// Dir receives <Prefix>-YYYY-MM-DD.log files. Empty disables file output.
	Dir          string
	Prefix       string
	CompressDays int
	Console      io.Writer
}

// ParseLevel maps a --log flag value to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup replaces the global logger. The returned closer releases the log file.
func Setup(opts Options) (io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(ParseLevel(opts.Level))

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	cw := zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}

	if opts.Dir == "" {
		log.Logger = log.Output(cw)
		return io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if opts.CompressDays > 0 {
		n, err := CompressOld(opts.Dir, opts.Prefix, opts.CompressDays, time.Now())
		if err != nil {
			fmt.Fprintf(console, "log compression failed: %v\n", err)
		} else if n > 0 {
			fmt.Fprintf(console, "Compressed %d old log file(s)\n", n)
		}
	}

	daily := NewDailyFile(opts.Dir, opts.Prefix)
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(cw, daily)).With().Timestamp().Logger()
	return daily, nil
}

// DailyFile is an io.Writer appending to <dir>/<prefix>-YYYY-MM-DD.log and
// switching files when the date changes.
type DailyFile struct {
	dir, prefix string
	now         func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

func NewDailyFile(dir, prefix string) *DailyFile {
	return &DailyFile{dir: dir, prefix: prefix, now: time.Now}
}

func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := d.now().Format(dateLayout)
	if d.file == nil || day != d.day {
		if d.file != nil {
			_ = d.file.Close()
		}
		f, err := os.OpenFile(d.path(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			d.file = nil
			return 0, err
		}
		d.file, d.day = f, day
	}
	return d.file.Write(p)
}

func (d *DailyFile) path(day string) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s-%s.log", d.prefix, day))
}

func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// CompressOld gzips <prefix>-*.log files in dir last modified at least days
// ago and removes the originals. It returns the number of files compressed.
func CompressOld(dir, prefix string, days int, now time.Time) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"-*.log"))
	if err != nil {
		return 0, err
	}
	threshold := time.Duration(days) * 24 * time.Hour
	count := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if now.Sub(info.ModTime()) < threshold {
			continue
		}
		if err := gzipFile(path); err != nil {
			return count, fmt.Errorf("compress %s: %w", path, err)
		}
		count++
	}
	return count, nil
}

func gzipFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
