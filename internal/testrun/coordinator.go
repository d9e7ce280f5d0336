package testrun

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/logs"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/pester"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/pwsh"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testtree"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/utils"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/semaphore"
)

const (
	RUN_LOG_SRC = "/testrun"

	DEFAULT_MAX_RUN_ARGS_LENGTH = 24000
	MAX_LOGGED_PAYLOAD_LENGTH   = 2000

	UNSUPPORTED_OPERATION_WARNING = "UnsupportedOperation"
	MISSING_RESULT_TEXT           = "no result was reported for this test"
)

// A Resolver resolves file nodes that are requested before having been expanded.
type Resolver interface {
	Resolve(ctx context.Context, node *testtree.Node) error
}

// A Recorder persists the report of every completed run.
type Recorder interface {
	RecordRun(ctx context.Context, report Report) error
}

type CoordinatorArgs struct {
	Tree     *testtree.Tree
	Bridge   pwsh.Bridge
	Resolver Resolver //optional

	//absolute path of the run script.
	RunScript string
	TestsOnly bool

	//defaults to DEFAULT_MAX_RUN_ARGS_LENGTH.
	MaxRunArgsLength int

	Recorder Recorder //optional
	Logger   zerolog.Logger
}

// A Coordinator runs test cases and writes the results back onto the nodes. Runs are serialized: a run
// waits until the previous one has completed.
type Coordinator struct {
	tree          *testtree.Tree
	bridge        pwsh.Bridge
	resolver      Resolver
	runScript     string
	testsOnly     bool
	maxArgsLength int
	recorder      Recorder
	logger        zerolog.Logger

	runSlot *semaphore.Weighted
}

func NewCoordinator(args CoordinatorArgs) *Coordinator {
	if args.MaxRunArgsLength <= 0 {
		args.MaxRunArgsLength = DEFAULT_MAX_RUN_ARGS_LENGTH
	}

	return &Coordinator{
		tree:          args.Tree,
		bridge:        args.Bridge,
		resolver:      args.Resolver,
		runScript:     args.RunScript,
		testsOnly:     args.TestsOnly,
		maxArgsLength: args.MaxRunArgsLength,
		recorder:      args.Recorder,
		logger:        logs.Component(args.Logger, RUN_LOG_SRC),
		runSlot:       semaphore.NewWeighted(1),
	}
}

// Run executes the cases selected by req. Excluded cases are executed too, because the run script cannot
// skip them, but their state is left untouched and a warning is added to the report.
//
// The selected cases are queued before Run waits for the previous run to complete. Every requested case
// ends in a terminal state, except when the interpreter fails or the context is cancelled: the cases that
// did not run are then reverted to NotRun and the error is returned with the partial report. If the run
// script omits a requested case, the case is set to Errored and an *InternalError is returned with the
// report, combined with the interpreter error if there is one.
func (c *Coordinator) Run(ctx context.Context, req Request) (Report, error) {
	requested, err := c.expand(ctx, req.Include, true)
	if err != nil {
		return Report{}, err
	}
	excludedNodes, err := c.expand(ctx, req.Exclude, false)
	if err != nil {
		return Report{}, err
	}

	excluded := make(map[string]struct{}, len(excludedNodes))
	for _, node := range excludedNodes {
		excluded[node.ID()] = struct{}{}
	}

	var (
		ids     []string
		visible = map[string]*testtree.Node{}
		hidden  []string
	)
	for _, node := range requested {
		ids = append(ids, node.ID())
		if _, ok := excluded[node.ID()]; ok {
			hidden = append(hidden, node.ID())
			continue
		}
		visible[node.ID()] = node
	}

	//queued before waiting for the run in progress, the cases it is running are queued once it has completed.
	queuedEarly := c.queue(ids, visible, c.logger)

	if err := c.runSlot.Acquire(ctx, 1); err != nil {
		c.revertQueued(queuedEarly, c.logger)
		return Report{}, err
	}
	defer c.runSlot.Release(1)

	report := Report{
		RunID:     ulid.Make().String(),
		StartedAt: time.Now(),
	}
	logger := c.logger.With().Str("runId", report.RunID).Logger()

	if len(hidden) > 0 {
		report.Warnings = append(report.Warnings, Warning{
			Code:    UNSUPPORTED_OPERATION_WARNING,
			Message: fmt.Sprintf("%s: excluded tests are still executed, their results are not reported", ErrUnsupportedOperation),
			IDs:     hidden,
		})
		logger.Warn().Strs("ids", hidden).Msg("excluded tests are executed anyway")
	}

	//all visible cases are queued before anything runs.
	c.queue(ids, visible, logger)

	logger.Info().Int("caseCount", len(ids)).Msg("run started")

	batches := splitBatches(ids, c.maxArgsLength)
	var missing []string

	for i, batch := range batches {
		batchMissing, err := c.runBatch(ctx, batch, visible, &report, logger)
		missing = append(missing, batchMissing...)

		if err != nil {
			//cases of this batch and of the following ones never ran.
			var notRun []string
			for _, remaining := range batches[i:] {
				notRun = append(notRun, remaining...)
			}
			c.revert(notRun, visible, err, logger)

			report.FinishedAt = time.Now()
			report.Missing = missing
			c.record(ctx, report, logger)

			if len(missing) > 0 {
				return report, utils.CombineErrors(err, &InternalError{Kind: MissingResult, IDs: missing})
			}
			return report, err
		}
	}

	report.FinishedAt = time.Now()
	report.Missing = missing

	logger.Info().
		Int("passed", report.Count(testtree.Passed)).
		Int("failed", report.Count(testtree.Failed)).
		Int("skipped", report.Count(testtree.Skipped)).
		Int("errored", report.Count(testtree.Errored)).
		Dur("duration", report.Duration()).
		Msg("run finished")

	c.record(ctx, report, logger)

	if len(missing) > 0 {
		return report, &InternalError{Kind: MissingResult, IDs: missing}
	}
	return report, nil
}

// queue moves the visible cases that are neither queued nor running to Queued and returns them.
func (c *Coordinator) queue(ids []string, visible map[string]*testtree.Node, logger zerolog.Logger) (queued []*testtree.Node) {
	for _, id := range ids {
		node, ok := visible[id]
		if !ok {
			continue
		}
		switch node.RunState() {
		case testtree.Queued, testtree.Running:
			continue
		}
		if err := c.tree.SetRunState(node, testtree.Queued); err != nil {
			logWriteError(logger, err, id, "case cannot be queued")
			continue
		}
		queued = append(queued, node)
	}
	return
}

// revertQueued moves cases queued by a run that never started back to NotRun.
func (c *Coordinator) revertQueued(nodes []*testtree.Node, logger zerolog.Logger) {
	for _, node := range nodes {
		if node.RunState() != testtree.Queued {
			continue
		}
		if err := c.tree.RevertRunState(node, nil); err != nil {
			logWriteError(logger, err, node.ID(), "failed to revert run state")
		}
	}
}

// runBatch executes one invocation of the run script and applies its records. It returns the ids of the
// batch without a record. Records of cases removed from the tree during the run are still reported.
func (c *Coordinator) runBatch(
	ctx context.Context,
	batch []string,
	visible map[string]*testtree.Node,
	report *Report,
	logger zerolog.Logger,
) (missing []string, _ error) {

	for _, id := range batch {
		if node, ok := visible[id]; ok {
			if err := c.tree.SetRunState(node, testtree.Running); err != nil {
				logWriteError(logger, err, id, "case cannot be set running")
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := c.bridge.ExecuteFile(ctx, c.runScript, RunArgs(c.testsOnly, batch...)...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		logger.Err(err).Msg("run failed")
		return nil, err
	}

	records, err := pester.DecodeRun(result.Stdout, result.Stderr)
	if err != nil {
		var decodeErr *pester.DecodeError
		if errors.As(err, &decodeErr) {
			logger.Error().
				Str("stdout", utils.Truncate(decodeErr.Stdout, MAX_LOGGED_PAYLOAD_LENGTH)).
				Str("stderr", utils.Truncate(decodeErr.Stderr, MAX_LOGGED_PAYLOAD_LENGTH)).
				Msg(err.Error())
		}
		return nil, err
	}

	byID := make(map[string]pester.RunRecord, len(records))
	for _, record := range records {
		if _, ok := byID[record.ID]; ok {
			logger.Warn().Str("id", record.ID).Msg("duplicate result, the first one is kept")
			continue
		}
		byID[record.ID] = record
	}

	pending := make(map[string]struct{}, len(batch))
	for _, id := range batch {
		pending[id] = struct{}{}
	}

	for _, id := range batch {
		record, ok := byID[id]
		delete(byID, id)
		if !ok {
			continue
		}
		delete(pending, id)

		node, isVisible := visible[id]
		if !isVisible {
			continue
		}

		state := stateFromOutcome(record.Outcome)
		msg := messageFromRecord(record)
		if err := c.tree.SetResult(node, state, record.Duration(), msg); err != nil {
			logWriteError(logger, err, id, "failed to set result")
		}
		report.Results = append(report.Results, resultOf(node, state, record.Duration(), msg))
	}

	if len(byID) > 0 {
		unexpected := maps.Keys(byID)
		slices.Sort(unexpected)
		logger.Warn().Strs("ids", unexpected).Msg("results for tests that were not requested are ignored")
	}

	missing = maps.Keys(pending)
	slices.Sort(missing)

	for _, id := range missing {
		node, ok := visible[id]
		if !ok {
			continue
		}
		msg := &testtree.Message{Text: MISSING_RESULT_TEXT}
		if err := c.tree.SetResult(node, testtree.Errored, 0, msg); err != nil {
			logWriteError(logger, err, id, "failed to set result")
		}
		report.Results = append(report.Results, resultOf(node, testtree.Errored, 0, msg))
	}

	if len(missing) > 0 {
		logger.Error().Strs("ids", missing).Msg(ErrMissingResult.Error())
	}
	return missing, nil
}

// logWriteError logs a failed state write. Cases disposed during the run, because their file changed or
// was deleted, are expected.
func logWriteError(logger zerolog.Logger, err error, id, msg string) {
	if errors.Is(err, testtree.ErrDisposed) {
		logger.Debug().Err(err).Str("id", id).Msg(msg)
		return
	}
	logger.Warn().Err(err).Str("id", id).Msg(msg)
}

// revert moves the given visible cases back to NotRun with the error as message.
func (c *Coordinator) revert(ids []string, visible map[string]*testtree.Node, cause error, logger zerolog.Logger) {
	var msg *testtree.Message
	if !errors.Is(cause, context.Canceled) {
		msg = &testtree.Message{Text: cause.Error()}
	}

	for _, id := range ids {
		node, ok := visible[id]
		if !ok {
			continue
		}
		if err := c.tree.RevertRunState(node, msg); err != nil {
			logWriteError(logger, err, id, "failed to revert run state")
		}
	}
}

func (c *Coordinator) record(ctx context.Context, report Report, logger zerolog.Logger) {
	if c.recorder == nil {
		return
	}
	//the report is recorded even if the run was cancelled.
	if err := c.recorder.RecordRun(context.WithoutCancel(ctx), report); err != nil {
		logger.Err(err).Msg("failed to record run")
	}
}

// expand returns the cases selected by ids in order and without duplicates. Unresolved files are
// resolved if resolve is true, otherwise they select nothing. Unknown ids are ignored if resolve is false.
func (c *Coordinator) expand(ctx context.Context, ids []string, resolve bool) ([]*testtree.Node, error) {
	var cases []*testtree.Node
	seen := map[string]struct{}{}

	for _, id := range ids {
		node, ok := c.tree.Find(id)
		if !ok {
			if !resolve {
				continue
			}
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
		}

		switch node.Kind() {
		case testtree.WorkspaceRootKind:
			if !resolve {
				continue
			}
			return nil, fmt.Errorf("%w: %s is a workspace root", ErrNotRunnable, id)
		case testtree.FileKind:
			if resolve && node.Status() != testtree.Resolved {
				if c.resolver == nil {
					return nil, fmt.Errorf("%w: %s is not resolved", ErrNotRunnable, id)
				}
				if err := c.resolver.Resolve(ctx, node); err != nil {
					return nil, err
				}
			}
		}

		for _, leaf := range node.Leaves() {
			if _, ok := seen[leaf.ID()]; ok {
				continue
			}
			seen[leaf.ID()] = struct{}{}
			cases = append(cases, leaf)
		}
	}
	return cases, nil
}

func stateFromOutcome(outcome pester.Outcome) testtree.RunState {
	switch outcome {
	case pester.OutcomePassed:
		return testtree.Passed
	case pester.OutcomeFailed:
		return testtree.Failed
	case pester.OutcomeSkipped:
		return testtree.Skipped
	default:
		return testtree.Errored
	}
}

// messageFromRecord returns a structured diff when both the expected and the actual values are present,
// a plain message otherwise. Passed cases have no message.
func messageFromRecord(record pester.RunRecord) *testtree.Message {
	if record.Outcome == pester.OutcomePassed {
		return nil
	}
	if record.Message == "" && !record.HasDiff() && record.TargetFile == "" {
		return nil
	}

	msg := &testtree.Message{Text: record.Message}
	if record.HasDiff() {
		msg.IsDiff = true
		msg.Expected = *record.Expected
		msg.Actual = *record.Actual
	}
	if record.TargetFile != "" && record.TargetLine != nil && *record.TargetLine >= 0 {
		msg.Location = &testtree.Location{File: record.TargetFile, Line: *record.TargetLine + 1}
	}
	return msg
}

func resultOf(node *testtree.Node, state testtree.RunState, duration time.Duration, msg *testtree.Message) Result {
	return Result{
		ID:       node.ID(),
		Label:    node.Label(),
		File:     node.SourcePath(),
		State:    state,
		Duration: duration,
		Message:  msg,
	}
}
