package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/pester"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/pwsh"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testtree"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/utils"
)

const MAX_LOGGED_PAYLOAD_LENGTH = 2000

// DiscoveryArgs returns the arguments passed to the discovery script for the given paths.
func DiscoveryArgs(testsOnly bool, paths ...string) []string {
	args := make([]string, 0, len(paths)+2)
	if testsOnly {
		args = append(args, "-TestsOnly")
	}
	args = append(args, "-Discovery")
	return append(args, paths...)
}

// resolveFile runs the discovery script against the file and atomically replaces its cases. The context
// is checked before the process is started, after it exits and before the commit.
func (c *Coordinator) resolveFile(ctx context.Context, file *testtree.Node) error {
	logger := c.logger.With().Str("file", file.ID()).Logger()

	ticket, err := c.beginResolve(file)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		c.abort(ticket, err)
		return err
	}

	result, err := c.bridge.ExecuteFile(ctx, c.discoveryScript, DiscoveryArgs(c.testsOnly, file.SourcePath())...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.abort(ticket, ctxErr)
		return ctxErr
	}
	if errors.Is(err, pwsh.ErrInterpreterNotFound) {
		//not specific to the file, the file is left unresolved without error.
		c.abort(ticket, err)
		return err
	}
	if err != nil {
		logger.Err(err).Msg("discovery failed")
		c.abort(ticket, err)
		return fmt.Errorf("discovery of %s: %w", file.SourcePath(), err)
	}

	records, err := pester.DecodeDiscovery(result.Stdout, result.Stderr)
	if err != nil {
		var decodeErr *pester.DecodeError
		if errors.As(err, &decodeErr) {
			logger.Error().
				Str("stdout", utils.Truncate(decodeErr.Stdout, MAX_LOGGED_PAYLOAD_LENGTH)).
				Str("stderr", utils.Truncate(decodeErr.Stderr, MAX_LOGGED_PAYLOAD_LENGTH)).
				Msg(err.Error())
		}
		c.abort(ticket, err)
		return fmt.Errorf("discovery of %s: %w", file.SourcePath(), err)
	}

	cases := make([]*testtree.Node, 0, len(records))
	seen := make(map[string]struct{}, len(records))

	for _, record := range records {
		id := record.DerivedID()
		if _, ok := seen[id]; ok {
			logger.Warn().Str("id", id).Msg("duplicate test id, the test is ignored")
			continue
		}
		seen[id] = struct{}{}

		caseFile := record.File
		if caseFile == "" {
			caseFile = file.SourcePath()
		}
		lineRange := testtree.Range{StartLine: record.StartLine, EndLine: record.EndLine}
		cases = append(cases, c.tree.NewCaseNode(id, record.Label, caseFile, lineRange))
	}

	if err := ctx.Err(); err != nil {
		c.abort(ticket, err)
		return err
	}

	if err := c.tree.CommitResolve(ticket, cases); err != nil {
		if errors.Is(err, testtree.ErrStaleTicket) {
			logger.Debug().Msg("file changed during discovery, results discarded")
			return ErrResultsDiscarded
		}
		c.abort(ticket, err)
		return err
	}

	logger.Debug().Int("caseCount", len(cases)).Dur("duration", result.Duration).Msg("file resolved")
	return nil
}

// abort reverts the node of ticket to Unresolved. Cancellations and a missing interpreter are not recorded
// as resolve errors.
func (c *Coordinator) abort(ticket testtree.Ticket, cause error) {
	msg := ""
	if cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, pwsh.ErrInterpreterNotFound) {
		msg = cause.Error()
	}

	if err := c.tree.AbortResolve(ticket, msg); err != nil && !errors.Is(err, testtree.ErrStaleTicket) {
		c.logger.Err(err).Str("node", ticket.Node().ID()).Msg("failed to abort resolution")
	}
}
