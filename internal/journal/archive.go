package journal

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"racetiming/ipicoforward/internal/model"
)

// archiveWriter appends pruned-but-still-within-retention records to a
// zstd-compressed, newline-delimited file before Prune deletes them from
// SQLite, so degraded-disk operation trades query-ability for a much
// smaller footprint instead of losing the data outright. One archive file
// per (reader_ip, stream_epoch) pair, named to sort naturally for a
// manual `zstdcat` replay if a race is ever disputed after the fact.
type archiveWriter struct {
	dir string
}

func newArchiveWriter(dir string) *archiveWriter {
	return &archiveWriter{dir: dir}
}

func (a *archiveWriter) archivePath(readerIP string, epoch int64) string {
	safeReader := strings.ReplaceAll(readerIP, "/", "_")
	return fmt.Sprintf("%s/%s-epoch%d.jsonl.zst", a.dir, safeReader, epoch)
}

// Append compresses and appends rows to the archive file for (readerIP,
// epoch), creating the directory and file on first use.
func (a *archiveWriter) Append(readerIP string, epoch int64, rows []model.Event) error {
	if a == nil || a.dir == "" || len(rows) == 0 {
		return nil
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("journal: archive mkdir: %w", err)
	}
	f, err := os.OpenFile(a.archivePath(readerIP, epoch), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal: archive open: %w", err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("journal: archive encoder: %w", err)
	}
	defer enc.Close()

	buf := bufio.NewWriter(enc)
	for _, row := range rows {
		line := strconv.FormatInt(row.Seq, 10) + "\t" + row.ReaderTimestamp + "\t" + string(row.ReadType) + "\t" + row.RawReadLine + "\n"
		if _, err := buf.WriteString(line); err != nil {
			return fmt.Errorf("journal: archive write: %w", err)
		}
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("journal: archive flush: %w", err)
	}
	return nil
}
