package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tarifwerk/tariff-crawler/internal/extract"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// RunExtract executes an extract-kind job against the files its parent
// crawl stored. Like RunCrawl, a job that ran and failed is a recorded
// outcome, not an error.
func (o *Orchestrator) RunExtract(ctx context.Context, jobID string) error {
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("run extract %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.Kind == tariff.KindCrawlOnly {
		return fmt.Errorf("job %s is %s, not an extract job", job.ID, job.Kind)
	}
	if err := o.markRunning(ctx, job); err != nil {
		return o.failJob(ctx, job, "start", err)
	}

	var (
		operator *tariff.Operator
		inputs   = make(map[tariff.DataClass]extract.Input)
		outputs  = make(map[tariff.DataClass]*extract.Output)
	)

	steps := []step{
		{name: "load_files", run: func(ctx context.Context, job *tariff.Job) (map[string]any, error) {
			op, err := o.operators.GetOperator(ctx, job.OperatorID)
			if err != nil {
				return nil, fmt.Errorf("load operator: %w", err)
			}
			operator = op

			detail := make(map[string]any)
			for _, class := range job.DataClass.Expand() {
				key := ctxString(job, ctxFileKey(class))
				if key == "" {
					continue
				}
				body, err := o.blobs.GetObject(ctx, key)
				if err != nil {
					return detail, fmt.Errorf("load %s file %q: %w", class, key, err)
				}
				if want := ctxString(job, ctxFileSHA(class)); want != "" {
					sum := sha256.Sum256(body)
					if got := hex.EncodeToString(sum[:]); got != want {
						return detail, fmt.Errorf("stored %s file %q changed since crawl: sha256 %s, expected %s",
							class, key, got, want)
					}
				}
				inputs[class] = extract.Input{
					Body:      body,
					Type:      tariff.FileType(ctxString(job, ctxFileType(class))),
					SourceURL: ctxString(job, ctxFileURL(class)),
					Operator:  *op,
					Year:      yearOrDefault(ctxInt(job, ctxFileYear(class)), job.Year),
					Class:     class,
				}
				detail["file_"+string(class)] = key
			}
			if len(inputs) == 0 {
				return detail, errors.New("no file to extract")
			}
			return detail, nil
		}},
		{name: "extract", run: func(ctx context.Context, job *tariff.Job) (map[string]any, error) {
			detail := make(map[string]any)
			for class, in := range inputs {
				out, err := o.extractor.Extract(ctx, in)
				if err != nil {
					return detail, fmt.Errorf("extract %s: %w", class, err)
				}
				outputs[class] = out
				detail["method_"+string(class)] = out.Method
				detail["records_"+string(class)] = len(out.Tariffs) + len(out.Windows)
			}
			return detail, nil
		}},
		{name: "finalize", run: func(ctx context.Context, job *tariff.Job) (map[string]any, error) {
			return o.finalize(ctx, job, operator, outputs)
		}},
	}

	if err := o.runSteps(ctx, job, steps); err != nil {
		return err
	}
	if job.Status == tariff.JobStatusFailed || job.Status == tariff.JobStatusCancelled {
		return nil
	}
	if err := o.completeJob(ctx, job); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	return nil
}

// finalize upserts every record. Verified rows are silently skipped
// unless the job carries the explicit override flag; skips are counted,
// not errors.
func (o *Orchestrator) finalize(
	ctx context.Context,
	job *tariff.Job,
	operator *tariff.Operator,
	outputs map[tariff.DataClass]*extract.Output,
) (map[string]any, error) {
	override := ctxBool(job, ctxOverride)
	written, skipped := 0, 0
	for _, out := range outputs {
		for i := range out.Tariffs {
			rec := out.Tariffs[i]
			rec.OperatorID = operator.ID
			ok, err := o.records.UpsertTariff(ctx, &rec, override)
			if err != nil {
				return nil, fmt.Errorf("upsert tariff record: %w", err)
			}
			if ok {
				written++
			} else {
				skipped++
			}
		}
		for i := range out.Windows {
			rec := out.Windows[i]
			rec.OperatorID = operator.ID
			ok, err := o.records.UpsertTimeWindows(ctx, &rec, override)
			if err != nil {
				return nil, fmt.Errorf("upsert time window record: %w", err)
			}
			if ok {
				written++
			} else {
				skipped++
			}
		}
	}
	return map[string]any{"written": written, "skipped_verified": skipped, "override": override}, nil
}

func yearOrDefault(year, fallback int) int {
	if year != 0 {
		return year
	}
	return fallback
}
