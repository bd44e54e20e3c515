package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/joescharf/tdd/internal/errs"
	"github.com/joescharf/tdd/internal/guide"
	"github.com/joescharf/tdd/internal/log"
	"github.com/joescharf/tdd/internal/models"
	"github.com/joescharf/tdd/internal/session"
)

// Server exposes the session engine as MCP tools. One transport drives at
// most one active session at a time.
type Server struct {
	registry *session.Registry
	logger   zerolog.Logger

	mu     sync.Mutex
	active string
}

// NewServer creates the MCP server wrapper around a session registry.
func NewServer(reg *session.Registry) *Server {
	return &Server{
		registry: reg,
		logger:   log.WithComponent("mcp"),
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("tdd", "1.0.0", server.WithToolCapabilities(true))

	// Guidance
	srv.AddTool(s.initializeTool())
	srv.AddTool(s.quickHelpTool())

	// Session lifecycle
	srv.AddTool(s.startSessionTool())
	srv.AddTool(s.updateSessionTool())
	srv.AddTool(s.pauseSessionTool())
	srv.AddTool(s.resumeSessionTool())
	srv.AddTool(s.endSessionTool())

	// Workflow
	srv.AddTool(s.currentStateTool())
	srv.AddTool(s.nextPhaseTool())
	srv.AddTool(s.rollbackTool())

	// Logging
	srv.AddTool(s.logTool())
	srv.AddTool(s.historyTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// Active returns the id of the session this transport is driving, if any.
func (s *Server) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) setActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
}

// activeEngine returns the engine of the active session.
func (s *Server) activeEngine() (*session.Engine, error) {
	id := s.Active()
	if id == "" {
		return nil, errs.NoActiveSession()
	}
	return s.registry.GetOrCreate(id), nil
}

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

// stateOut is the state payload returned by the workflow tools.
// StateDigest lets a client tell whether two replies describe the same
// replayed state.
type stateOut struct {
	*models.SessionState
	AllowedFiles        []string `json:"allowed_files"`
	SuggestedNextAction string   `json:"suggested_next_action"`
	RulesReminder       []string `json:"rules_reminder"`
	StateDigest         string   `json:"state_digest"`
}

func newStateOut(st *models.SessionState) (stateOut, error) {
	digest, err := st.Digest()
	if err != nil {
		return stateOut{}, err
	}
	return stateOut{
		SessionState:        st,
		AllowedFiles:        st.AllowedFiles(),
		SuggestedNextAction: st.SuggestedNextAction(),
		RulesReminder:       st.RulesReminder(),
		StateDigest:         digest,
	}, nil
}

func (s *Server) stateResult(tool string, st *models.SessionState) (*mcp.CallToolResult, error) {
	out, err := newStateOut(st)
	if err != nil {
		return s.errorResult(tool, err)
	}
	return jsonResult(out)
}

type errorOut struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Hint  string `json:"hint,omitempty"`
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult turns an engine error into a tool error carrying its kind and
// recovery hint.
func (s *Server) errorResult(tool string, err error) (*mcp.CallToolResult, error) {
	kind := string(errs.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	s.logger.Debug().Err(err).Str(log.FieldTool, tool).Str("kind", kind).Msg("tool failed")
	data, merr := json.Marshal(errorOut{Error: err.Error(), Kind: kind, Hint: errs.HintOf(err)})
	if merr != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultError(string(data)), nil
}

// ---------------------------------------------------------------------------
// Argument helpers
// ---------------------------------------------------------------------------

func stringArray(name, desc string, required bool) mcp.ToolOption {
	opts := []mcp.PropertyOption{mcp.Description(desc), mcp.WithStringItems()}
	if required {
		opts = append(opts, mcp.Required())
	}
	return mcp.WithArray(name, opts...)
}

// optionalStrings returns the string list under key, or nil when absent.
func optionalStrings(request mcp.CallToolRequest, key string) ([]string, error) {
	raw, ok := request.GetArguments()[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, errs.Validation("%s must be an array of strings", key)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		str, ok := it.(string)
		if !ok {
			return nil, errs.Validation("%s must be an array of strings", key)
		}
		out = append(out, str)
	}
	return out, nil
}

func requiredStrings(request mcp.CallToolRequest, key string) ([]string, error) {
	out, err := optionalStrings(request, key)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errs.Validation("missing required parameter: %s", key)
	}
	return out, nil
}

func requiredString(request mcp.CallToolRequest, key string) (string, error) {
	v, err := request.RequireString(key)
	if err != nil {
		return "", errs.Validation("missing required parameter: %s", key)
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Guidance tools
// ---------------------------------------------------------------------------

// initialize
func (s *Server) initializeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("initialize",
		mcp.WithDescription("Explain the TDD workflow and how to drive it with these tools. Call this first."),
	)
	return tool, s.handleInitialize
}

func (s *Server) handleInitialize(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(guide.Initialize()), nil
}

// quick_help
func (s *Server) quickHelpTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("quick_help",
		mcp.WithDescription("Context-aware help: what can be done in the current phase, or how to begin when no session is active."),
	)
	return tool, s.handleQuickHelp
}

func (s *Server) handleQuickHelp(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.activeEngine()
	if err != nil {
		return jsonResult(guide.NoSessionHelp())
	}
	st, err := e.State(ctx)
	if err != nil {
		return s.errorResult("quick_help", err)
	}
	return jsonResult(guide.SessionHelp(st))
}

// ---------------------------------------------------------------------------
// Session lifecycle tools
// ---------------------------------------------------------------------------

// start_session
func (s *Server) startSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("start_session",
		mcp.WithDescription("Start a new TDD session and take its lock. Returns the new session id and initial state."),
		mcp.WithString("goal", mcp.Required(), mcp.Description("Session objective and definition of done")),
		stringArray("test_files", "Files where tests may be written", true),
		stringArray("implementation_files", "Files where implementation may be written", true),
		stringArray("run_tests", "Commands or instructions for running the tests", true),
		stringArray("custom_rules", "Extra rules appended to the global TDD rules", false),
	)
	return tool, s.handleStartSession
}

func (s *Server) handleStartSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const name = "start_session"
	if id := s.Active(); id != "" {
		return s.errorResult(name, errs.Validation("session %q is already active; pause or end it first", id))
	}

	var (
		p   session.StartParams
		err error
	)
	if p.Goal, err = requiredString(request, "goal"); err != nil {
		return s.errorResult(name, err)
	}
	if p.TestFiles, err = requiredStrings(request, "test_files"); err != nil {
		return s.errorResult(name, err)
	}
	if p.ImplementationFiles, err = requiredStrings(request, "implementation_files"); err != nil {
		return s.errorResult(name, err)
	}
	if p.RunTests, err = requiredStrings(request, "run_tests"); err != nil {
		return s.errorResult(name, err)
	}
	if p.CustomRules, err = optionalStrings(request, "custom_rules"); err != nil {
		return s.errorResult(name, err)
	}

	e, st, err := s.registry.Start(ctx, p)
	if err != nil {
		return s.errorResult(name, err)
	}
	s.setActive(e.ID())
	s.logger.Info().Str(log.FieldSessionID, e.ID()).Msg("session started")

	out, err := newStateOut(st)
	if err != nil {
		return s.errorResult(name, err)
	}
	return jsonResult(struct {
		SessionID string   `json:"session_id"`
		State     stateOut `json:"state"`
	}{e.ID(), out})
}

// update_session
func (s *Server) updateSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("update_session",
		mcp.WithDescription("Change settings of the active session. Only the given fields are changed."),
		mcp.WithString("goal", mcp.Description("New session objective")),
		stringArray("test_files", "New list of test files", false),
		stringArray("implementation_files", "New list of implementation files", false),
		stringArray("run_tests", "New test commands", false),
		stringArray("custom_rules", "New custom rules", false),
	)
	return tool, s.handleUpdateSession
}

func (s *Server) handleUpdateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const name = "update_session"
	e, err := s.activeEngine()
	if err != nil {
		return s.errorResult(name, err)
	}

	var p session.UpdateParams
	if _, ok := request.GetArguments()["goal"]; ok {
		goal := request.GetString("goal", "")
		p.Goal = &goal
	}
	if p.TestFiles, err = optionalStrings(request, "test_files"); err != nil {
		return s.errorResult(name, err)
	}
	if p.ImplementationFiles, err = optionalStrings(request, "implementation_files"); err != nil {
		return s.errorResult(name, err)
	}
	if p.RunTests, err = optionalStrings(request, "run_tests"); err != nil {
		return s.errorResult(name, err)
	}
	if p.CustomRules, err = optionalStrings(request, "custom_rules"); err != nil {
		return s.errorResult(name, err)
	}

	if err := e.Update(ctx, p); err != nil {
		return s.errorResult(name, err)
	}
	return jsonResult(map[string]bool{"success": true})
}

// pause_session
func (s *Server) pauseSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("pause_session",
		mcp.WithDescription("Pause the active session and release its lock so it can be resumed later, possibly by another agent."),
	)
	return tool, s.handlePauseSession
}

func (s *Server) handlePauseSession(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.activeEngine()
	if err != nil {
		return s.errorResult("pause_session", err)
	}
	id, err := e.Pause(ctx)
	if err != nil {
		return s.errorResult("pause_session", err)
	}
	s.setActive("")
	return jsonResult(map[string]string{"session_id": id})
}

// resume_session
func (s *Server) resumeSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("resume_session",
		mcp.WithDescription("Resume an existing session by id, taking its lock. Returns the current state."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Id of the session to resume")),
	)
	return tool, s.handleResumeSession
}

func (s *Server) handleResumeSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const name = "resume_session"
	id, err := requiredString(request, "session_id")
	if err != nil {
		return s.errorResult(name, err)
	}
	if cur := s.Active(); cur != "" && cur != id {
		return s.errorResult(name, errs.Validation("session %q is already active; pause or end it first", cur))
	}

	e, st, err := s.registry.Resume(ctx, id)
	if err != nil {
		return s.errorResult(name, err)
	}
	s.setActive(e.ID())
	return s.stateResult(name, st)
}

// end_session
func (s *Server) endSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("end_session",
		mcp.WithDescription("End the active session for good and return a summary. The session can no longer be changed."),
	)
	return tool, s.handleEndSession
}

func (s *Server) handleEndSession(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.activeEngine()
	if err != nil {
		return s.errorResult("end_session", err)
	}
	summary, err := e.End(ctx)
	if err != nil {
		return s.errorResult("end_session", err)
	}
	s.setActive("")
	s.registry.Remove(e.ID())
	return jsonResult(map[string]string{"summary": summary})
}

// ---------------------------------------------------------------------------
// Workflow tools
// ---------------------------------------------------------------------------

// get_current_state
func (s *Server) currentStateTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_current_state",
		mcp.WithDescription("Return the active session's phase, cycle, allowed files, suggested next action and rules."),
	)
	return tool, s.handleCurrentState
}

func (s *Server) handleCurrentState(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.activeEngine()
	if err != nil {
		return s.errorResult("get_current_state", err)
	}
	st, err := e.State(ctx)
	if err != nil {
		return s.errorResult("get_current_state", err)
	}
	return s.stateResult("get_current_state", st)
}

// next_phase
func (s *Server) nextPhaseTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("next_phase",
		mcp.WithDescription("Move to the next TDD phase. Evidence of why the current phase is done is required."),
		mcp.WithString("evidence_description", mcp.Required(), mcp.Description("What was done and how it was verified")),
		mcp.WithBoolean("skip_refactor", mcp.Description("From implement, go straight to write_test and start the next cycle")),
	)
	return tool, s.handleNextPhase
}

func (s *Server) handleNextPhase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	const name = "next_phase"
	e, err := s.activeEngine()
	if err != nil {
		return s.errorResult(name, err)
	}
	evidence, err := requiredString(request, "evidence_description")
	if err != nil {
		return s.errorResult(name, err)
	}

	var st *models.SessionState
	if request.GetBool("skip_refactor", false) {
		st, err = e.AdvanceTo(ctx, models.PhaseWriteTest, evidence)
	} else {
		st, err = e.NextPhase(ctx, evidence)
	}
	if err != nil {
		return s.errorResult(name, err)
	}
	return s.stateResult(name, st)
}

// rollback
func (s *Server) rollbackTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("rollback",
		mcp.WithDescription("Undo the last phase transition, returning to the previous phase and cycle."),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the transition is being undone")),
	)
	return tool, s.handleRollback
}

func (s *Server) handleRollback(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.activeEngine()
	if err != nil {
		return s.errorResult("rollback", err)
	}
	reason, err := requiredString(request, "reason")
	if err != nil {
		return s.errorResult("rollback", err)
	}
	st, err := e.Rollback(ctx, reason)
	if err != nil {
		return s.errorResult("rollback", err)
	}
	return s.stateResult("rollback", st)
}

// ---------------------------------------------------------------------------
// Logging tools
// ---------------------------------------------------------------------------

// log
func (s *Server) logTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("log",
		mcp.WithDescription("Record a free-form note in the active session without changing its phase."),
		mcp.WithString("message", mcp.Required(), mcp.Description("The note to record")),
	)
	return tool, s.handleLog
}

func (s *Server) handleLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.activeEngine()
	if err != nil {
		return s.errorResult("log", err)
	}
	msg, err := requiredString(request, "message")
	if err != nil {
		return s.errorResult("log", err)
	}
	if err := e.Log(ctx, msg); err != nil {
		return s.errorResult("log", err)
	}
	return jsonResult(map[string]bool{"success": true})
}

// history
func (s *Server) historyTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("history",
		mcp.WithDescription("List every event of the active session in order, one line per event."),
	)
	return tool, s.handleHistory
}

func (s *Server) handleHistory(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	e, err := s.activeEngine()
	if err != nil {
		return s.errorResult("history", err)
	}
	lines, err := e.History(ctx)
	if err != nil {
		return s.errorResult("history", err)
	}
	return jsonResult(map[string][]string{"history": lines})
}
