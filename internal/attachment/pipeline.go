// Package attachment moves binary assets between platforms through a
// bounded download, convert, compress, upload pipeline. Individual
// attachment failures never abort the batch.
package attachment

import (
	"context"
	"sync"

	"github.com/tcmigrate/tcmigrate/internal/errclass"
	"github.com/tcmigrate/tcmigrate/internal/logging"
	"github.com/tcmigrate/tcmigrate/internal/provider"
	"github.com/tcmigrate/tcmigrate/internal/resilience"
)

// Options tunes one pipeline instance.
type Options struct {
	// Concurrency bounds in-flight attachments across the batch.
	Concurrency int
	// MaxSizeBytes rejects larger downloads before upload is attempted.
	MaxSizeBytes int64
	// CompressionEnabled re-encodes images over CompressOverBytes.
	CompressionEnabled bool
	CompressOverBytes  int64
	JPEGQuality        int
}

// Task is one attachment to migrate: the source attachment and the
// already-created target item it belongs to.
type Task struct {
	AttachmentID string
	TargetItemID string
	// Required escalates a failure from warning to error.
	Required bool
}

// Outcome records what happened to one attachment.
type Outcome struct {
	AttachmentID string `json:"attachmentId"`
	TargetItemID string `json:"targetItemId"`
	Name         string `json:"name,omitempty"`
	TargetID     string `json:"targetId,omitempty"`
	Converted    bool   `json:"converted,omitempty"`
	Compressed   bool   `json:"compressed,omitempty"`
	BytesBefore  int64  `json:"bytesBefore"`
	BytesAfter   int64  `json:"bytesAfter"`
	Required     bool   `json:"required,omitempty"`
	Err          error  `json:"-"`
	Error        string `json:"error,omitempty"`
}

// Failed reports whether this attachment did not reach the target.
func (o Outcome) Failed() bool { return o.Err != nil }

// Stats aggregates a batch.
type Stats struct {
	Total       int   `json:"total"`
	Uploaded    int   `json:"uploaded"`
	Failed      int   `json:"failed"`
	Converted   int   `json:"converted"`
	Compressed  int   `json:"compressed"`
	BytesBefore int64 `json:"bytesBefore"`
	BytesAfter  int64 `json:"bytesAfter"`
}

// Pipeline migrates attachments for one job. Safe for concurrent use.
type Pipeline struct {
	source       provider.Adapter
	target       provider.Adapter
	sourceCaller *resilience.Caller
	targetCaller *resilience.Caller
	converter    Converter
	opts         Options
}

// NewPipeline wires a pipeline. converter may be nil when document
// conversion is not configured.
func NewPipeline(source provider.Adapter, sourceCaller *resilience.Caller,
	target provider.Adapter, targetCaller *resilience.Caller,
	converter Converter, opts Options) *Pipeline {

	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.JPEGQuality < 1 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 80
	}
	return &Pipeline{
		source:       source,
		target:       target,
		sourceCaller: sourceCaller,
		targetCaller: targetCaller,
		converter:    converter,
		opts:         opts,
	}
}

// Process migrates a batch with bounded concurrency. It returns one
// outcome per task in task order plus aggregate stats. The batch stops
// early only on context cancellation.
func (p *Pipeline) Process(ctx context.Context, tasks []Task) ([]Outcome, Stats) {
	outcomes := make([]Outcome, len(tasks))

	sem := make(chan struct{}, p.opts.Concurrency)
	var wg sync.WaitGroup

	for i, task := range tasks {
		select {
		case <-ctx.Done():
			for j := i; j < len(tasks); j++ {
				outcomes[j] = Outcome{
					AttachmentID: tasks[j].AttachmentID,
					TargetItemID: tasks[j].TargetItemID,
					Required:     tasks[j].Required,
					Err: errclass.Wrap(errclass.KindCancelled, ctx.Err(),
						"attachment %s cancelled", tasks[j].AttachmentID),
				}
			}
			wg.Wait()
			return finish(outcomes)
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(idx int, t Task) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[idx] = p.processOne(ctx, t)
		}(i, task)
	}

	wg.Wait()
	return finish(outcomes)
}

func finish(outcomes []Outcome) ([]Outcome, Stats) {
	var stats Stats
	stats.Total = len(outcomes)
	for i := range outcomes {
		o := &outcomes[i]
		if o.Err != nil {
			o.Error = o.Err.Error()
			stats.Failed++
			continue
		}
		stats.Uploaded++
		if o.Converted {
			stats.Converted++
		}
		if o.Compressed {
			stats.Compressed++
		}
		stats.BytesBefore += o.BytesBefore
		stats.BytesAfter += o.BytesAfter
	}
	return outcomes, stats
}

// processOne runs download -> convert -> compress -> upload for a
// single attachment. Every provider touch goes through the resilience
// callers under the "attachment" class.
func (p *Pipeline) processOne(ctx context.Context, t Task) Outcome {
	out := Outcome{
		AttachmentID: t.AttachmentID,
		TargetItemID: t.TargetItemID,
		Required:     t.Required,
	}

	var att *provider.Attachment
	err := p.sourceCaller.Do(ctx, "attachment", func(ctx context.Context) error {
		var derr error
		att, derr = p.source.DownloadAttachment(ctx, t.AttachmentID)
		return derr
	})
	if err != nil {
		out.Err = err
		return out
	}

	out.Name = att.Name
	out.BytesBefore = int64(len(att.Content))

	if p.opts.MaxSizeBytes > 0 && out.BytesBefore > p.opts.MaxSizeBytes {
		out.Err = errclass.New(errclass.KindResource,
			"attachment %s is %d bytes, over the %d byte limit",
			att.Name, out.BytesBefore, p.opts.MaxSizeBytes)
		return out
	}

	if p.converter != nil && p.converter.CanConvert(att.MimeType) {
		converted, cerr := p.converter.Convert(ctx, att)
		if cerr != nil {
			out.Err = cerr
			return out
		}
		att = converted
		out.Converted = true
		out.Name = att.Name
	}

	if p.opts.CompressionEnabled && isImage(att.MimeType) &&
		int64(len(att.Content)) > p.opts.CompressOverBytes {
		smaller, did, cerr := compressImage(att, p.opts.JPEGQuality)
		if cerr != nil {
			// A broken image still uploads as-is; compression is an
			// optimization, not a gate.
			logging.Warn("attachment %s: compression skipped: %v", att.Name, cerr)
		} else if did {
			att = smaller
			out.Compressed = true
			out.Name = att.Name
		}
	}

	out.BytesAfter = int64(len(att.Content))

	err = p.targetCaller.Do(ctx, "attachment", func(ctx context.Context) error {
		id, uerr := p.target.UploadAttachment(ctx, t.TargetItemID, att)
		if uerr != nil {
			return uerr
		}
		out.TargetID = id
		return nil
	})
	if err != nil {
		out.Err = err
		return out
	}

	logging.Debug("attachment %s -> %s (%d -> %d bytes, converted=%t compressed=%t)",
		t.AttachmentID, out.TargetID, out.BytesBefore, out.BytesAfter, out.Converted, out.Compressed)
	return out
}
