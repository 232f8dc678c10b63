package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/blob"
	"github.com/tarifwerk/tariff-crawler/internal/discovery"
	"github.com/tarifwerk/tariff-crawler/internal/download"
	"github.com/tarifwerk/tariff-crawler/internal/patterns"
	"github.com/tarifwerk/tariff-crawler/internal/store"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// RunCrawl executes a crawl-kind job. The returned NextJob, when not
// nil, is the extract child the caller must enqueue; the orchestrator
// itself never touches a queue. The error return covers only plumbing
// problems around a job that could not be loaded at all; a job that ran
// and failed is recorded in the store and returns (nil, nil).
func (o *Orchestrator) RunCrawl(ctx context.Context, jobID string) (*NextJob, error) {
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("run crawl %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		o.logger.Info("skipping terminal job", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return nil, nil
	}
	if job.Kind == tariff.KindExtractOnly {
		return nil, fmt.Errorf("run crawl %s: job kind is %s", jobID, job.Kind)
	}

	locked, err := o.operators.AcquireCrawlLock(ctx, job.OperatorID, o.cfg.StaleAfter)
	if err != nil {
		return nil, o.failJob(ctx, job, "lock", fmt.Errorf("acquire crawl lock: %w", err))
	}
	if !locked {
		return nil, o.failJob(ctx, job, "lock",
			fmt.Errorf("operator %s already has a crawl in progress", job.OperatorID))
	}
	defer func() {
		if err := o.operators.ReleaseCrawlLock(context.WithoutCancel(ctx), job.OperatorID); err != nil {
			o.logger.Error("release crawl lock failed",
				zap.String("operator_id", job.OperatorID), zap.Error(err))
		}
	}()

	if err := o.markRunning(ctx, job); err != nil {
		return nil, o.failJob(ctx, job, "start", err)
	}

	var (
		operator   *tariff.Operator
		candidates = make(map[tariff.DataClass][]tariff.CandidateDocument)
		files      = make(map[tariff.DataClass]download.File)
	)

	steps := []step{
		{name: "preflight", run: func(ctx context.Context, job *tariff.Job) (map[string]any, error) {
			op, err := o.preflight(ctx, job)
			if err != nil {
				return nil, err
			}
			operator = op
			return map[string]any{"operator": op.Slug, "website": op.Website}, nil
		}},
		{name: "discover", run: func(ctx context.Context, job *tariff.Job) (map[string]any, error) {
			detail := make(map[string]any)
			for _, class := range job.DataClass.Expand() {
				found, err := o.discoverer.Discover(ctx, discovery.Request{
					Operator: *operator, Class: class, Year: job.Year,
				})
				if err != nil {
					return detail, err
				}
				candidates[class] = found
				detail["candidates_"+string(class)] = len(found)
			}
			return detail, nil
		}},
		{name: "download", run: func(ctx context.Context, job *tariff.Job) (map[string]any, error) {
			return o.downloadAndClassify(ctx, job, operator, candidates, files)
		}},
		{name: "learn", run: func(ctx context.Context, job *tariff.Job) (map[string]any, error) {
			return o.learn(ctx, job, operator, files)
		}},
	}

	if err := o.runSteps(ctx, job, steps); err != nil {
		return nil, err
	}
	if job.Status == tariff.JobStatusFailed || job.Status == tariff.JobStatusCancelled {
		return nil, nil
	}

	next, err := o.chainExtract(ctx, job)
	if err != nil {
		return nil, o.failJob(ctx, job, "chain", err)
	}
	if err := o.completeJob(ctx, job); err != nil {
		return nil, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	return next, nil
}

// preflight fails fast on conditions a retry will not change: missing
// website, the not-crawlable flag, a root robots disallow, or a bot
// challenge on the homepage. The latter two also flip the operator's
// crawlable flag so the next job fails cheaper.
func (o *Orchestrator) preflight(ctx context.Context, job *tariff.Job) (*tariff.Operator, error) {
	op, err := o.operators.GetOperator(ctx, job.OperatorID)
	if err != nil {
		return nil, fmt.Errorf("load operator: %w", err)
	}
	if op.Website == "" {
		return nil, errors.New("operator has no website configured")
	}
	if !op.Crawlable {
		return nil, errors.New("operator is marked not crawlable")
	}
	if o.robots.RootDisallowed(ctx, op.Website) {
		reason := "robots.txt disallows crawling the site root"
		if err := o.operators.SetCrawlable(ctx, op.ID, false, reason); err != nil {
			o.logger.Error("set crawlable failed", zap.String("operator_id", op.ID), zap.Error(err))
		}
		return nil, errors.New(reason)
	}
	if _, err := o.fetcher.Download(ctx, op.Website); err != nil {
		if errors.Is(err, download.ErrChallenge) {
			reason := "homepage serves a bot challenge"
			if serr := o.operators.SetCrawlable(ctx, op.ID, false, reason); serr != nil {
				o.logger.Error("set crawlable failed", zap.String("operator_id", op.ID), zap.Error(serr))
			}
			return nil, errors.New(reason)
		}
		// An unreachable homepage is not conclusive; discovery may still
		// find documents via sitemap paths.
		o.logger.Warn("homepage fetch failed during preflight",
			zap.String("operator", op.Slug), zap.Error(err))
	}
	return op, nil
}

// downloadAndClassify fetches the ranked candidates, classifies the
// results and persists the winner per class to blob storage. An empty
// first pass deepens discovery once before settling on "no source".
func (o *Orchestrator) downloadAndClassify(
	ctx context.Context,
	job *tariff.Job,
	operator *tariff.Operator,
	candidates map[tariff.DataClass][]tariff.CandidateDocument,
	files map[tariff.DataClass]download.File,
) (map[string]any, error) {
	detail := make(map[string]any)

	classified := o.classifyCandidates(ctx, job, candidates, detail)
	if classified.Empty() && !ctxBool(job, ctxDeepRetry) {
		setCtx(job, ctxDeepRetry, true)
		for _, class := range job.DataClass.Expand() {
			found, err := o.discoverer.Discover(ctx, discovery.Request{
				Operator: *operator, Class: class, Year: job.Year, Deep: true,
			})
			if err != nil {
				return detail, err
			}
			candidates[class] = found
			detail["deep_candidates_"+string(class)] = len(found)
		}
		classified = o.classifyCandidates(ctx, job, candidates, detail)
	}

	if classified.Empty() {
		setCtx(job, ctxNoSource, true)
		detail["no_source"] = true
		return detail, nil
	}

	for class, f := range classified.Best {
		key := blob.Key(operator.Slug, class, fileYear(f, job.Year), f.Type)
		uri, err := o.blobs.PutObject(ctx, key, "", f.Body)
		if err != nil {
			return detail, fmt.Errorf("store %s file: %w", class, err)
		}
		f.BlobURI = uri
		files[class] = f
		sum := sha256.Sum256(f.Body)
		setCtx(job, ctxFileKey(class), key)
		setCtx(job, ctxFileURL(class), f.URL)
		setCtx(job, ctxFileType(class), string(f.Type))
		setCtx(job, ctxFileYear(class), fileYear(f, job.Year))
		setCtx(job, ctxFileSHA(class), hex.EncodeToString(sum[:]))
		detail["file_"+string(class)] = key
		detail["records_"+string(class)] = classified.Counts[class]
	}
	detail["unclassified"] = len(classified.Unclassified)
	return detail, nil
}

// classifyCandidates downloads up to MaxDownloads candidates per class
// and runs the deterministic first pass over everything fetched. A
// candidate that fails to download is skipped, not fatal.
func (o *Orchestrator) classifyCandidates(
	ctx context.Context,
	job *tariff.Job,
	candidates map[tariff.DataClass][]tariff.CandidateDocument,
	detail map[string]any,
) download.Classification {
	var fetched []download.File
	seen := make(map[string]bool)
	for _, class := range job.DataClass.Expand() {
		picked := candidates[class]
		if len(picked) > o.cfg.MaxDownloads {
			picked = picked[:o.cfg.MaxDownloads]
		}
		for _, c := range picked {
			if seen[c.URL] {
				continue
			}
			seen[c.URL] = true
			res, err := o.fetcher.Download(ctx, c.URL)
			if err != nil {
				o.logger.Warn("candidate download failed",
					zap.String("url", c.URL), zap.Error(err))
				continue
			}
			fetched = append(fetched, o.splitFetched(res, c, job.Year)...)
		}
	}
	detail["downloaded"] = len(fetched)
	return download.Classify(fetched, func(f download.File) map[tariff.DataClass]int {
		return o.extractor.CountPlausible(f.Body, f.Type)
	})
}

// splitFetched turns one fetch result into candidate files. HTML pages
// carrying several years' tables split into one file per year, keeping
// only the slice for the target year (or the undated remainder).
func (o *Orchestrator) splitFetched(res *download.Result, c tariff.CandidateDocument, year int) []download.File {
	base := download.File{
		URL:      c.URL,
		Body:     res.Body,
		Type:     res.FileType,
		Year:     year,
		Strategy: c.Strategy,
	}
	if res.FileType != tariff.TypeHTML {
		return []download.File{base}
	}
	parts, err := download.SplitHTML(res.Body, res.ContentType)
	if err != nil || len(parts) == 0 {
		return []download.File{base}
	}
	var out []download.File
	for _, part := range parts {
		if part.Year != 0 && part.Year != year {
			continue
		}
		f := base
		f.Body = part.Body
		f.Year = year
		out = append(out, f)
	}
	if len(out) == 0 {
		return []download.File{base}
	}
	return out
}

// learn reinforces what worked: the source profile per class and the
// global path pattern table. Classes that found nothing despite having a
// profile get their failure counter bumped. Learning errors are logged,
// never fatal; the crawl result stands on its own.
func (o *Orchestrator) learn(
	ctx context.Context,
	job *tariff.Job,
	operator *tariff.Operator,
	files map[tariff.DataClass]download.File,
) (map[string]any, error) {
	detail := make(map[string]any)
	for _, class := range job.DataClass.Expand() {
		f, ok := files[class]
		if !ok {
			if err := o.profiles.BumpProfileFailure(ctx, operator.ID, class); err != nil && err != store.ErrNotFound {
				o.logger.Warn("bump profile failure failed", zap.Error(err))
			}
			continue
		}
		now := time.Now().UTC()
		profile := &tariff.SourceProfile{
			OperatorID:    operator.ID,
			DataClass:     class,
			Domain:        operator.Website,
			LastURL:       f.URL,
			SourceFormat:  f.Type,
			Strategy:      f.Strategy,
			LastSuccessAt: &now,
		}
		if pattern, ok := patterns.AbstractYear(f.URL); ok {
			profile.URLPattern = pattern
		} else {
			profile.URLPattern = f.URL
		}
		if err := o.profiles.UpsertProfile(ctx, profile); err != nil {
			o.logger.Warn("profile upsert failed", zap.Error(err))
		}
		if err := o.learner.RecordSuccess(ctx, f.URL, class, operator.Slug); err != nil {
			o.logger.Warn("pattern learn failed", zap.Error(err))
		}
		detail["profile_"+string(class)] = profile.URLPattern
	}
	return detail, nil
}

// chainExtract creates the extract child for a full-kind crawl that
// produced at least one file, linking parent and child both ways.
func (o *Orchestrator) chainExtract(ctx context.Context, job *tariff.Job) (*NextJob, error) {
	if job.Kind != tariff.KindFull || ctxBool(job, ctxSuppressExtract) || ctxBool(job, ctxNoSource) {
		return nil, nil
	}
	hasFile := false
	for _, class := range job.DataClass.Expand() {
		if ctxString(job, ctxFileKey(class)) != "" {
			hasFile = true
			break
		}
	}
	if !hasFile {
		return nil, nil
	}

	child := &tariff.Job{
		ID:          uuid.NewString(),
		OperatorID:  job.OperatorID,
		Year:        job.Year,
		DataClass:   job.DataClass,
		Kind:        tariff.KindExtractOnly,
		Status:      tariff.JobStatusPending,
		Context:     copyContext(job.Context),
		ParentJobID: job.ID,
		Priority:    job.Priority,
		TriggeredBy: "crawl:" + job.ID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.jobs.CreateJob(ctx, child); err != nil {
		return nil, fmt.Errorf("create extract child: %w", err)
	}
	job.ChildJobID = child.ID
	return &NextJob{JobID: child.ID, Kind: child.Kind}, nil
}

func copyContext(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func fileYear(f download.File, fallback int) int {
	if f.Year != 0 {
		return f.Year
	}
	return fallback
}
