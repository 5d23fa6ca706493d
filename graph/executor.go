package graph

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/langgraph-go/stategraph/checkpoint"
	"github.com/langgraph-go/stategraph/constants"
	"github.com/langgraph-go/stategraph/errors"
	"github.com/langgraph-go/stategraph/stream"
	"github.com/langgraph-go/stategraph/telemetry"
	"github.com/langgraph-go/stategraph/types"
)

// RunOption configures one invocation.
type RunOption func(*types.RunnableConfig)

// WithSessionID resumes from and persists to the given session.
func WithSessionID(sessionID string) RunOption {
	return func(c *types.RunnableConfig) {
		c.SessionID = sessionID
	}
}

// WithRunMaxSteps overrides the step budget for one run.
func WithRunMaxSteps(n int) RunOption {
	return func(c *types.RunnableConfig) {
		c.MaxSteps = n
	}
}

// WithRunOnNodeError overrides the default node error policy for one run.
func WithRunOnNodeError(policy types.ErrorPolicy) RunOption {
	return func(c *types.RunnableConfig) {
		c.OnNodeError = policy
	}
}

// WithRunID sets the run id used in logs, spans and checkpoint metadata.
func WithRunID(runID string) RunOption {
	return func(c *types.RunnableConfig) {
		c.RunID = runID
	}
}

// WithRunTags tags the run.
func WithRunTags(tags ...string) RunOption {
	return func(c *types.RunnableConfig) {
		c.Tags = append(c.Tags, tags...)
	}
}

// WithRunMetadata is copied into every checkpoint of the run.
func WithRunMetadata(metadata map[string]interface{}) RunOption {
	return func(c *types.RunnableConfig) {
		for k, v := range metadata {
			c.Metadata[k] = v
		}
	}
}

// WithConfig merges a RunnableConfig into the run's configuration.
func WithConfig(config *types.RunnableConfig) RunOption {
	return func(c *types.RunnableConfig) {
		c.Merge(config)
	}
}

// Result describes a finished run.
type Result struct {
	State     types.State
	Status    types.RunStatus
	RunID     string
	SessionID string
	// Steps is the number of nodes executed by this run.
	Steps int
	// LastNode is the last node executed, or the node the run stopped at.
	LastNode string
	// LastStep is the step index of LastNode, -1 when nothing ran.
	LastStep int
	// Resumed reports whether the run continued from a checkpoint.
	Resumed bool
}

// Invoke runs the graph to completion and returns the terminal State.
//
// A failed run returns a *errors.RunError naming the failure category and
// the last node. A paused run returns the current State together with an
// *errors.GraphInterrupt.
func (cg *CompiledGraph) Invoke(ctx context.Context, input types.State, opts ...RunOption) (types.State, error) {
	res, err := cg.Run(ctx, input, opts...)
	if res == nil {
		return types.State{}, err
	}
	return res.State, err
}

// Run is Invoke returning the full Result.
func (cg *CompiledGraph) Run(ctx context.Context, input types.State, opts ...RunOption) (*Result, error) {
	cfg, err := cg.runConfig(opts)
	if err != nil {
		return nil, err
	}
	return cg.execute(ctx, input, cfg, nil)
}

// Stream runs the graph in the background and yields one chunk per
// completed step. The producer waits for the consumer before starting the
// next node; Close stops the run before its next node.
func (cg *CompiledGraph) Stream(ctx context.Context, input types.State, opts ...RunOption) *stream.Iterator {
	s := stream.NewChannelStream()

	cfg, err := cg.runConfig(opts)
	if err != nil {
		s.Finish(err)
		return s.Iterator()
	}

	go func() {
		_, err := cg.execute(ctx, input, cfg, s)
		if stderrors.Is(err, stream.ErrStreamClosed) {
			err = nil
		}
		s.Finish(err)
	}()
	return s.Iterator()
}

func (cg *CompiledGraph) runConfig(opts []RunOption) (*types.RunnableConfig, error) {
	cfg := types.NewRunnableConfig()
	cfg.MaxSteps = cg.maxSteps
	cfg.OnNodeError = cg.onNodeError
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run config: %w", err)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if len(cg.interrupts) > 0 && cfg.SessionID == "" {
		return nil, fmt.Errorf("graph %q has interrupt points: %w", cg.name, errors.ErrSessionRequired)
	}
	return cfg, nil
}

// execute runs the step loop, holding the session lock when persistence is on.
func (cg *CompiledGraph) execute(ctx context.Context, input types.State, cfg *types.RunnableConfig, out *stream.ChannelStream) (*Result, error) {
	r := &runner{
		cg:     cg,
		cfg:    cfg,
		out:    out,
		logger: cg.logger.With("run_id", cfg.RunID, "session_id", cfg.SessionID),
		result: &Result{
			Status:    types.StatusReady,
			RunID:     cfg.RunID,
			SessionID: cfg.SessionID,
			LastStep:  -1,
		},
	}
	if cg.checkpointer != nil && cfg.SessionID != "" {
		r.saver = cg.checkpointer
	}

	ctx, span := cg.telemetry.TracerProvider.StartRunSpan(ctx, cg.name, cfg.SessionID, cfg.RunID)
	defer span.End()
	started := time.Now()

	var err error
	if r.saver != nil {
		err = cg.sessions.WithLock(ctx, cfg.SessionID, func(ctx context.Context) error {
			return r.run(ctx, input)
		})
		if err != nil && r.result.Status == types.StatusReady {
			err = r.fail(ctx, errors.ErrorCodeCancelled, err)
		}
	} else {
		err = r.run(ctx, input)
	}

	span.SetAttributes(telemetry.SpanAttributes.Status.String(string(r.result.Status)))
	if r.result.Status == types.StatusFailed {
		telemetry.SetSpanError(span, err)
	}
	cg.telemetry.Metrics.RecordRun(ctx, cg.name, string(r.result.Status), time.Since(started))
	return r.result, err
}

// runner holds the state of one run.
type runner struct {
	cg     *CompiledGraph
	cfg    *types.RunnableConfig
	saver  checkpoint.Saver
	out    *stream.ChannelStream
	logger *slog.Logger
	result *Result

	state   types.State
	current string
	step    int
}

func (r *runner) run(ctx context.Context, input types.State) error {
	r.result.Status = types.StatusRunning
	r.state = input
	r.current = r.cg.table.entry
	source := constants.SourceFresh

	if r.saver != nil {
		cp, err := r.saver.Load(ctx, r.cfg.SessionID)
		if err != nil {
			return r.fail(ctx, errors.ErrorCodePersistence,
				&errors.PersistenceError{Operation: "load", SessionID: r.cfg.SessionID, Step: -1, Cause: err})
		}
		if cp != nil {
			r.state = cp.State.Merge(input)
			r.step = cp.StepIndex + 1
			if cp.Next != constants.End {
				r.current = cp.Next
			}
			if _, ok := r.cg.table.nodes[r.current]; !ok {
				return r.fail(ctx, errors.ErrorCodeUnknownNode, &errors.NodeNotFoundError{NodeName: r.current})
			}
			source = constants.SourceResumed
			r.result.Resumed = true
		}
	}
	r.result.State = r.state
	if err := checkErrorKey(r.state); err != nil {
		return r.fail(ctx, errors.ErrorCodeInvalidUpdate, err)
	}

	r.logger.Debug("run started", "source", source, "node", r.current, "step", r.step)

	for executed := 0; ; executed++ {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, errors.ErrorCodeCancelled, err)
		}
		if r.consumerGone() {
			r.result.Status = types.StatusInterrupted
			r.logger.Debug("stream closed by consumer", "node", r.current, "step", r.step)
			return stream.ErrStreamClosed
		}
		if executed >= r.cfg.MaxSteps {
			r.cg.telemetry.Metrics.RecordStepBudgetExceeded(ctx, r.cg.name)
			return r.fail(ctx, errors.ErrorCodeStepBudgetExceeded, &errors.StepBudgetExceededError{Limit: r.cfg.MaxSteps})
		}
		// The first node of a run is the entry node or the node a previous
		// run paused at; neither pauses again.
		if executed > 0 && r.cg.interrupts[r.current] {
			return r.interrupt()
		}

		next, err := r.runStep(ctx, source)
		if err != nil {
			return err
		}
		r.result.Steps++
		r.step++
		r.current = next

		if next == constants.End {
			r.result.Status = types.StatusDone
			r.logger.Debug("run finished", "steps", r.result.Steps)
			return nil
		}
	}
}

// runStep executes, merges, routes, persists and emits the current node.
func (r *runner) runStep(ctx context.Context, source string) (string, error) {
	node := r.cg.table.nodes[r.current]
	policy := node.policy
	if policy == "" {
		policy = r.cfg.OnNodeError
	}
	r.result.LastNode = node.name
	r.result.LastStep = r.step

	logger := r.logger.With("node", node.name, "step", r.step)
	logger.Debug("node started")

	nodeCtx, span := r.cg.telemetry.TracerProvider.StartNodeSpan(ctx, node.name, r.step)
	started := time.Now()
	update, nodeErr := r.cg.invokeNode(nodeCtx, node, r.state, logger)
	r.cg.telemetry.Metrics.RecordNodeExecution(ctx, r.cg.name, node.name, time.Since(started), nodeErr)
	telemetry.SetSpanError(span, nodeErr)
	span.End()

	if nodeErr != nil {
		if policy == types.ErrorPolicyFail {
			logger.Error("node failed", "err", nodeErr)
			return "", r.fail(ctx, errors.ErrorCodeNodeFailed,
				&errors.NodeError{NodeName: node.name, Step: r.step, Cause: nodeErr})
		}
		logger.Warn("node failed, continuing", "err", nodeErr)
		update = types.StateOf(constants.ErrorKey, fmt.Sprintf("%s: %v", node.name, nodeErr))
	}

	if err := checkErrorKey(update); err != nil {
		return "", r.fail(ctx, errors.ErrorCodeInvalidUpdate, err)
	}
	merged, err := r.cg.reducers.Apply(r.state, update)
	if err != nil {
		return "", r.fail(ctx, errors.ErrorCodeInvalidUpdate, err)
	}
	r.state = merged
	r.result.State = merged

	next, err := r.route(ctx, node)
	if err != nil {
		return "", r.fail(ctx, errors.GetErrorCode(err), err)
	}
	logger.Debug("node finished", "next", next)
	r.cg.telemetry.Metrics.RecordRoute(ctx, r.cg.name, node.name, next)

	if r.saver != nil {
		cp := checkpoint.NewCheckpoint(r.cfg.SessionID, r.step, merged, node.name, next)
		if r.cg.interrupts[next] {
			cp.Status = checkpoint.StatusInterrupted
		}
		for k, v := range r.cfg.Metadata {
			cp.Metadata[k] = v
		}
		cp.Metadata[constants.MetaRunID] = r.cfg.RunID
		cp.Metadata[constants.MetaSource] = source
		cp.Metadata[constants.MetaGraph] = r.cg.name

		if err := r.saver.Save(ctx, cp); err != nil {
			logger.Error("checkpoint save failed", "err", err)
			if stack := errors.GetErrorStack(err); stack != nil {
				logger.Debug("checkpoint save failed", "stack", stack)
			}
			return "", r.fail(ctx, errors.ErrorCodePersistence,
				&errors.PersistenceError{Operation: "save", SessionID: r.cfg.SessionID, Step: r.step, Cause: err})
		}
		logger.Debug("checkpoint saved", "next", next)
	}

	if r.out != nil {
		chunk := &stream.StreamChunk{
			Step:   r.step,
			Node:   node.name,
			State:  merged,
			Update: update,
			Next:   next,
			Metadata: map[string]interface{}{
				constants.MetaRunID: r.cfg.RunID,
			},
		}
		if err := r.out.Emit(ctx, chunk); err != nil {
			if stderrors.Is(err, stream.ErrStreamClosed) {
				r.result.Status = types.StatusInterrupted
				logger.Debug("stream closed by consumer")
				return "", err
			}
			return "", r.fail(ctx, errors.ErrorCodeCancelled, err)
		}
		r.cg.telemetry.Metrics.RecordStreamEventEmitted(ctx, r.cg.name, node.name)
	}
	return next, nil
}

// route resolves the successor of node against the post-merge State.
func (r *runner) route(ctx context.Context, node *compiledNode) (string, error) {
	if node.router == nil {
		return node.next, nil
	}
	label, err := node.router(ctx, r.state)
	if err != nil {
		return "", &errors.RouterError{NodeName: node.name, Cause: err}
	}
	next, ok := node.mapping[label]
	if !ok {
		return "", &errors.UnroutableLabelError{NodeName: node.name, Label: label, Declared: node.labels}
	}
	return next, nil
}

// checkErrorKey rejects a non-text value under the reserved error key, which
// soft-failed nodes overwrite with their message.
func checkErrorKey(s types.State) error {
	v, ok := s.Get(constants.ErrorKey)
	if !ok || v == nil {
		return nil
	}
	if kind := types.KindOf(v); kind != types.KindText {
		return &errors.InvalidUpdateError{
			Key:     constants.ErrorKey,
			Message: fmt.Sprintf("reserved for error text, got %s", kind),
		}
	}
	return nil
}

func (r *runner) consumerGone() bool {
	if r.out == nil {
		return false
	}
	select {
	case <-r.out.Done():
		return true
	default:
		return false
	}
}

func (r *runner) interrupt() error {
	r.result.Status = types.StatusInterrupted
	r.logger.Info("run interrupted", "node", r.current, "step", r.step)
	return &errors.GraphInterrupt{SessionID: r.cfg.SessionID, NodeName: r.current, Step: r.step}
}

func (r *runner) fail(ctx context.Context, code errors.ErrorCode, cause error) error {
	r.result.Status = types.StatusFailed
	if code == "" {
		code = errors.ErrorCodeNodeFailed
	}
	r.logger.Error("run failed", "code", code, "node", r.current, "step", r.step, "err", cause)
	return &errors.RunError{
		Code:      code,
		Node:      r.current,
		Step:      r.step,
		SessionID: r.cfg.SessionID,
		State:     r.state,
		Cause:     cause,
	}
}
