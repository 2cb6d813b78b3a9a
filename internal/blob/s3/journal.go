package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/executor"
)

const journalContentType = "application/json"

// Journal writes one object per terminal trade outcome, partitioned by UTC
// day:
//
//	journal/2026/10/18/<run id>-<kind>.json
type Journal struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	prefix string
	logger *slog.Logger
}

// NewJournal creates a Journal. reader may be nil when Day is not needed.
func NewJournal(writer domain.BlobWriter, reader domain.BlobReader, prefix string, logger *slog.Logger) *Journal {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "journal"
	}
	return &Journal{
		writer: writer,
		reader: reader,
		prefix: prefix,
		logger: logger.With(slog.String("component", "journal")),
	}
}

func (j *Journal) dayPrefix(day time.Time) string {
	return fmt.Sprintf("%s/%s/", j.prefix, day.UTC().Format("2006/01/02"))
}

func (j *Journal) objectPath(o executor.TradeOutcome) string {
	id := o.RunID
	if id == "" {
		id = uuid.NewString()
	}
	return j.dayPrefix(o.At) + id + "-" + string(o.Kind) + ".json"
}

// Record uploads o. Outcomes without a timestamp are stamped now.
func (j *Journal) Record(ctx context.Context, o executor.TradeOutcome) error {
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("s3blob: journal marshal: %w", err)
	}
	path := j.objectPath(o)
	if err := j.writer.Put(ctx, path, bytes.NewReader(data), journalContentType); err != nil {
		return fmt.Errorf("s3blob: journal record: %w", err)
	}
	j.logger.Debug("outcome journaled",
		slog.String("path", path),
		slog.String("kind", string(o.Kind)),
	)
	return nil
}

// Day returns every outcome journaled on day, oldest first. Unreadable
// objects are logged and skipped.
func (j *Journal) Day(ctx context.Context, day time.Time) ([]executor.TradeOutcome, error) {
	if j.reader == nil {
		return nil, fmt.Errorf("s3blob: journal day: no reader configured")
	}
	infos, err := j.reader.List(ctx, j.dayPrefix(day))
	if err != nil {
		return nil, fmt.Errorf("s3blob: journal day: %w", err)
	}

	out := make([]executor.TradeOutcome, 0, len(infos))
	for _, info := range infos {
		o, err := j.load(ctx, info.Path)
		if err != nil {
			j.logger.Warn("skipping journal entry",
				slog.String("path", info.Path),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].At.Before(out[b].At) })
	return out, nil
}

func (j *Journal) load(ctx context.Context, path string) (executor.TradeOutcome, error) {
	body, err := j.reader.Get(ctx, path)
	if err != nil {
		return executor.TradeOutcome{}, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return executor.TradeOutcome{}, fmt.Errorf("read %s: %w", path, err)
	}
	var o executor.TradeOutcome
	if err := json.Unmarshal(data, &o); err != nil {
		return executor.TradeOutcome{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return o, nil
}

var _ executor.Journal = (*Journal)(nil)
