package adapter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/JustinGrote/vscode-pester-test-adapter/internal/config"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/discovery"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/logs"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/pester"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/pester/scripts"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/pwsh"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/runstore"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testrun"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/testtree"
	"github.com/JustinGrote/vscode-pester-test-adapter/internal/utils"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"
	"github.com/maruel/natural"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

const SESSION_LOG_SRC = "/session"

var (
	ErrSessionClosed = errors.New("session is closed")
	ErrFolderNotOpen = errors.New("workspace folder is not open")
	ErrRunsNotStored = errors.New("run recording is disabled")
)

type SessionArgs struct {
	Config config.Config
	Logger zerolog.Logger

	//defaults to a pwsh.ProcessBridge configured from Config.
	Bridge pwsh.Bridge

	//filesystem the embedded scripts are installed on, defaults to the OS filesystem.
	ScriptsFilesystem billy.Filesystem

	//defaults to a watch.FsWatcher.
	NewEventSource discovery.NewEventSourceFn

	//if nil and Config.RecordRuns is true the store at Config.GetRunStorePath() is opened.
	Store *runstore.Store
}

// A Session owns everything needed to discover and run the tests of a set of workspace folders: the bridge,
// the tree, the coordinators and the run store.
type Session struct {
	id     string
	config config.Config
	logger zerolog.Logger

	bridge    *latchingBridge
	tree      *testtree.Tree
	discovery *discovery.Coordinator
	runs      *testrun.Coordinator
	store     *runstore.Store
	ownsStore bool

	folders cmap.ConcurrentMap[string, *testtree.Node] //absolute folder path -> root

	closeOnce sync.Once
	closed    chan struct{}
}

func NewSession(ctx context.Context, args SessionArgs) (*Session, error) {
	cfg := args.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	logger := logs.Component(args.Logger, SESSION_LOG_SRC).With().Str("session", id).Logger()

	discoveryScript, runScript, err := prepareScripts(cfg, args.ScriptsFilesystem, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare the scripts: %w", err)
	}

	bridge := args.Bridge
	if bridge == nil {
		bridge = pwsh.NewProcessBridge(pwsh.ProcessBridgeArgs{
			Interpreter:            cfg.Interpreter,
			Timeout:                cfg.ProcessTimeoutDuration(),
			MaxConcurrentProcesses: cfg.MaxConcurrentProcesses,
			Logger:                 args.Logger,
		})
	}

	session := &Session{
		id:      id,
		config:  cfg,
		logger:  logger,
		bridge:  &latchingBridge{bridge: bridge, logger: logger},
		tree:    testtree.NewTree(),
		folders: cmap.New[*testtree.Node](),
		closed:  make(chan struct{}),
		store:   args.Store,
	}

	if session.store == nil && cfg.RecordRuns {
		path, err := cfg.GetRunStorePath()
		if err != nil {
			return nil, err
		}
		session.store, err = runstore.Open(ctx, runstore.OpenArgs{Path: path, Logger: args.Logger})
		if err != nil {
			return nil, fmt.Errorf("failed to open the run store: %w", err)
		}
		session.ownsStore = true
	}

	session.discovery = discovery.NewCoordinator(discovery.CoordinatorArgs{
		Tree:            session.tree,
		Bridge:          session.bridge,
		DiscoveryScript: discoveryScript,
		FilePattern:     cfg.FilePattern,
		TestsOnly:       cfg.TestsOnly,
		NewEventSource:  args.NewEventSource,
		Logger:          args.Logger,
	})

	runArgs := testrun.CoordinatorArgs{
		Tree:             session.tree,
		Bridge:           session.bridge,
		Resolver:         session.discovery,
		RunScript:        runScript,
		TestsOnly:        cfg.TestsOnly,
		MaxRunArgsLength: cfg.MaxRunArgsLength,
		Logger:           args.Logger,
	}
	if session.store != nil {
		runArgs.Recorder = session.store
	}
	session.runs = testrun.NewCoordinator(runArgs)

	logger.Info().Str("interpreter", cfg.Interpreter).Msg("session created")
	return session, nil
}

// prepareScripts returns the absolute paths of the discovery and run scripts. When no scripts directory is
// configured the embedded scripts are installed in the cache directory.
func prepareScripts(cfg config.Config, fls billy.Filesystem, logger zerolog.Logger) (discoveryScript, runScript string, _ error) {
	dir, err := cfg.GetScriptsDir()
	if err != nil {
		return "", "", err
	}

	if cfg.ScriptsDir == "" {
		installDir := dir
		if fls == nil {
			fls = osfs.New(filepath.Dir(dir))
			installDir = filepath.Base(dir)
		}
		written, err := scripts.Install(fls, installDir)
		if err != nil {
			return "", "", err
		}
		logger.Debug().Str("dir", dir).Int("written", written).Msg("embedded scripts installed")
	}

	return scriptPath(dir, cfg.DiscoveryScript), scriptPath(dir, cfg.RunScript), nil
}

func scriptPath(dir, script string) string {
	if filepath.IsAbs(script) {
		return script
	}
	return filepath.Join(dir, script)
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Config() config.Config {
	return s.config
}

func (s *Session) Tree() *testtree.Tree {
	return s.tree
}

// Store returns the run store, nil if runs are not recorded.
func (s *Session) Store() *runstore.Store {
	return s.store
}

// OpenFolder adds an unresolved workspace root for folder.
func (s *Session) OpenFolder(folder string) (*testtree.Node, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	folder, err := filepath.Abs(folder)
	if err != nil {
		return nil, err
	}

	root, err := s.discovery.AddWorkspaceFolder(folder)
	if err != nil {
		return nil, err
	}
	s.folders.Set(folder, root)
	return root, nil
}

// CloseFolder stops watching folder and removes its root from the tree.
func (s *Session) CloseFolder(folder string) error {
	folder, err := filepath.Abs(folder)
	if err != nil {
		return err
	}

	if _, ok := s.folders.Pop(folder); !ok {
		return fmt.Errorf("%w: %s", ErrFolderNotOpen, folder)
	}
	return s.discovery.RemoveWorkspaceFolder(folder)
}

// Folders returns the open workspace folders in natural order (tests2 before tests10).
func (s *Session) Folders() []string {
	folders := s.folders.Keys()
	sort.Slice(folders, func(i, j int) bool {
		return natural.Less(folders[i], folders[j])
	})
	return folders
}

// Root returns the root of an open folder.
func (s *Session) Root(folder string) (*testtree.Node, bool) {
	folder, err := filepath.Abs(folder)
	if err != nil {
		return nil, false
	}
	return s.folders.Get(folder)
}

// Resolve discovers the direct children of a root or the cases of a file.
func (s *Session) Resolve(ctx context.Context, node *testtree.Node) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.discovery.Resolve(ctx, node)
}

// ResolveAll resolves every open folder and all the files they contain. A missing interpreter stops the
// resolution and is returned alone.
func (s *Session) ResolveAll(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	var errs []error
	for _, folder := range s.Folders() {
		root, ok := s.folders.Get(folder)
		if !ok {
			continue
		}
		if err := s.discovery.ResolveTree(ctx, root); err != nil {
			if errors.Is(err, pwsh.ErrInterpreterNotFound) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return utils.CombineErrorsWithPrefixMessage("discovery failed", errs...)
}

// Run executes the selected tests, see testrun.Coordinator.Run.
func (s *Session) Run(ctx context.Context, req testrun.Request) (testrun.Report, error) {
	if s.isClosed() {
		return testrun.Report{}, ErrSessionClosed
	}
	return s.runs.Run(ctx, req)
}

// RunAll executes every case of the open folders, the folders are resolved first.
func (s *Session) RunAll(ctx context.Context) (testrun.Report, error) {
	if err := s.ResolveAll(ctx); err != nil {
		if errors.Is(err, pwsh.ErrInterpreterNotFound) {
			return testrun.Report{}, err
		}
		s.logger.Warn().Err(err).Msg("some files could not be discovered")
	}

	var ids []string
	for _, folder := range s.Folders() {
		root, ok := s.folders.Get(folder)
		if !ok {
			continue
		}
		resolved := utils.FilterSlice(root.Children(), func(file *testtree.Node) bool {
			return file.Status() == testtree.Resolved
		})
		ids = append(ids, utils.MapSlice(resolved, (*testtree.Node).ID)...)
	}

	if len(ids) == 0 {
		return testrun.Report{}, nil
	}
	return s.Run(ctx, testrun.Request{Include: ids})
}

// CheckPester reports whether a suitable version of the Pester module is installed. The result is advisory.
func (s *Session) CheckPester(ctx context.Context) (pester.Status, error) {
	if s.isClosed() {
		return pester.Status{}, ErrSessionClosed
	}

	status, err := pester.CheckStatus(ctx, s.bridge, s.config.MinimumPesterVersion)
	if err != nil {
		return status, err
	}
	if status.Warning != "" {
		s.logger.Warn().Msg(status.Warning)
	}
	return status, nil
}

// History returns the summaries of the most recent recorded runs.
func (s *Session) History(limit int) ([]runstore.RunSummary, error) {
	if s.store == nil {
		return nil, ErrRunsNotStored
	}
	return s.store.List(limit)
}

// ResetInterpreter allows the session to try spawning the interpreter again after it was not found.
func (s *Session) ResetInterpreter() {
	s.bridge.reset()
	s.logger.Info().Msg("interpreter reset")
}

// Close stops the watchers and closes the run store if the session opened it. The tree is left as is.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)

		errs := []error{s.discovery.Close()}
		if s.ownsStore {
			errs = append(errs, s.store.Close())
		}
		err = utils.CombineErrors(errs...)
		s.logger.Info().Msg("session closed")
	})
	return err
}

// Done returns a channel closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
