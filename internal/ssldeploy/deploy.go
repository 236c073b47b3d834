// Package ssldeploy installs TLS certificates on a remote host over SSH:
// connect, best-effort backup, staged upload, privileged install and
// service restart.
package ssldeploy

import (
	"context"
	"fmt"
	"path"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/rs/zerolog"

	engerrors "github.com/tiara/engine/internal/errors"
	"github.com/tiara/engine/internal/guard"
	"github.com/tiara/engine/internal/remote"
	"github.com/tiara/engine/internal/task"
)

// TaskName is the registry key of the deployment task.
const TaskName = "ssl_deploy"

const (
	defaultStagingDir     = "/tmp"
	defaultConnectTimeout = 20 * time.Second
	backupTimeFormat      = "20060102150405"
)

// Config wires a Handler.
type Config struct {
	Dialer         remote.Dialer
	Guard          guard.Checker // nil disables pre-flight checks
	StagingDir     string
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

// Handler is the task.Handler for ssl_deploy.
type Handler struct {
	dialer         remote.Dialer
	guard          guard.Checker
	stagingDir     string
	connectTimeout time.Duration
	logger         zerolog.Logger
	now            func() time.Time
}

func NewHandler(cfg Config) *Handler {
	h := &Handler{
		dialer:         cfg.Dialer,
		guard:          cfg.Guard,
		stagingDir:     strings.TrimSpace(cfg.StagingDir),
		connectTimeout: cfg.ConnectTimeout,
		logger:         cfg.Logger.With().Str("task", TaskName).Logger(),
		now:            time.Now,
	}
	if h.stagingDir == "" {
		h.stagingDir = defaultStagingDir
	}
	if h.connectTimeout <= 0 {
		h.connectTimeout = defaultConnectTimeout
	}
	return h
}

// Prepare validates the request data and binds it into a job.
func (h *Handler) Prepare(req task.Request) (task.Job, error) {
	spec, err := parseSpec(req.Data)
	if err != nil {
		return nil, err
	}
	logID := req.LogID
	return func(ctx context.Context) task.Result {
		return h.Deploy(ctx, logID, spec)
	}, nil
}

// outcome is what a step tells the state machine to do next.
type outcome int

const (
	proceed outcome = iota
	skip
	abort
)

func (o outcome) String() string {
	switch o {
	case proceed:
		return "proceed"
	case skip:
		return "skip"
	default:
		return "abort"
	}
}

type step struct {
	name string
	run  func(ctx context.Context, r *run) outcome
}

// artifact is one file being deployed.
type artifact struct {
	kind    string // cert, key or chain
	final   string
	staged  string
	content string
	mode    string
}

// run is the state of one deployment. It is owned by a single goroutine.
type run struct {
	spec      Spec
	logID     int64
	session   remote.Session
	artifacts []artifact
	lines     []string
	status    task.Status
	logger    zerolog.Logger
}

func (r *run) note(format string, args ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

// fail records a fatal step error. The step log carries the error text.
func (r *run) fail(err error) outcome {
	r.lines = append(r.lines, err.Error())
	r.logger.Error().Str("code", string(engerrors.CodeOf(err))).Msg(err.Error())
	r.status = task.StatusFailed
	return abort
}

func (r *run) output() string {
	return strings.Join(r.lines, "\n")
}

func (h *Handler) steps() []step {
	return []step{
		{"preflight", h.preflight},
		{"connect", h.connect},
		{"backup", h.backup},
		{"upload", h.upload},
		{"install", h.install},
		{"restart", h.restart},
	}
}

// Deploy runs the state machine for spec. It always returns a terminal
// result and closes the session on every path.
func (h *Handler) Deploy(ctx context.Context, logID int64, spec Spec) (result task.Result) {
	r := &run{
		spec:   spec,
		logID:  logID,
		status: task.StatusFailed,
		logger: h.logger.With().Int64("log_id", logID).Str("domain", spec.DomainName).Logger(),
	}
	r.artifacts = h.artifacts(spec, logID)

	defer func() {
		if r.session != nil {
			if err := r.session.Close(); err != nil {
				r.logger.Warn().Err(err).Msg("closing remote session")
			}
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("panic", fmt.Sprint(p)).
				Bytes("stack", debug.Stack()).
				Msg("deployment panicked")
			r.note("CRITICAL ERROR: %v", p)
			result = task.Failed(r.output())
		}
	}()

	r.logger.Info().Str("target", spec.target().String()).Msg("deployment started")
	for _, s := range h.steps() {
		if err := ctx.Err(); err != nil {
			r.note("CRITICAL ERROR: %v", err)
			r.status = task.StatusFailed
			break
		}
		out := s.run(ctx, r)
		r.logger.Debug().Str("step", s.name).Stringer("outcome", out).Msg("step finished")
		if out == abort {
			break
		}
	}
	r.logger.Info().Str("status", string(r.status)).Msg("deployment finished")
	return task.Result{Status: r.status, Output: r.output()}
}

func (h *Handler) artifacts(spec Spec, logID int64) []artifact {
	base := stagingName(spec.DomainName)
	staged := func(ext string) string {
		return path.Join(h.stagingDir, fmt.Sprintf("%s.%d.%s", base, logID, ext))
	}
	var out []artifact
	if spec.NewCert != "" {
		out = append(out, artifact{kind: "cert", final: spec.CertPath, staged: staged("crt"), content: spec.NewCert, mode: "644"})
	}
	if spec.NewKey != "" {
		out = append(out, artifact{kind: "key", final: spec.KeyPath, staged: staged("key"), content: spec.NewKey, mode: "600"})
	}
	if spec.NewChain != "" && spec.ChainPath != "" {
		out = append(out, artifact{kind: "chain", final: spec.ChainPath, staged: staged("chain"), content: spec.NewChain, mode: "644"})
	}
	return out
}

// stagingName keeps a domain usable as a file name.
func stagingName(domain string) string {
	var b strings.Builder
	for _, c := range strings.TrimSpace(domain) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "deploy"
	}
	return b.String()
}

func (h *Handler) preflight(ctx context.Context, r *run) outcome {
	if h.guard == nil {
		return skip
	}
	err := h.guard.Check(ctx, r.spec.deployment())
	if err == nil {
		return proceed
	}
	v, ok := guard.IsViolation(err)
	if !ok {
		return r.fail(engerrors.Wrap(engerrors.ErrCodeValidation, "Pre-flight check failed", err))
	}
	if !h.guard.Enforced() {
		r.logger.Warn().Str("rule", v.Rule).Str("detail", v.Detail).Msg("guard violation (monitor mode)")
		r.note("WARNING: %s. Proceeding anyway...", v.Error())
		return proceed
	}
	return r.fail(engerrors.Wrap(engerrors.ErrCodeValidation, "Pre-flight check failed", v))
}

func (h *Handler) connect(ctx context.Context, r *run) outcome {
	target := r.spec.target()
	target.Timeout = h.connectTimeout
	r.note("Connecting to %s...", r.spec.ServerIP)
	r.logger.Info().Str("target", target.String()).Msg("connecting")

	session, err := h.dialer.Dial(ctx, target)
	if err != nil {
		return r.fail(engerrors.Wrap(engerrors.ErrCodeConnection, "Connection failed", err))
	}
	r.session = session
	r.note("SSH Connection established.")
	return proceed
}

func (h *Handler) backup(ctx context.Context, r *run) outcome {
	certPath := r.spec.CertPath
	if certPath == "" {
		r.note("No certificate path supplied. Skipping backup.")
		return skip
	}
	if _, err := r.session.Stat(ctx, certPath); err != nil {
		r.logger.Info().Err(err).Str("path", certPath).Msg("no existing certificate, skipping backup")
		r.note("No existing file at %s or cannot access. Skipping backup.", certPath)
		return skip
	}

	backupPath := certPath + ".backup_" + h.now().UTC().Format(backupTimeFormat)
	r.note("File %s exists. Attempting backup...", certPath)
	res, err := r.session.Run(ctx, "cp "+shellescape.Quote(certPath)+" "+shellescape.Quote(backupPath))
	switch {
	case err != nil:
		r.note("WARNING: Failed to backup file. Error: %v. Proceeding anyway...", err)
	case res.ExitStatus != 0:
		r.note("WARNING: Failed to backup file (Code %d). Error: %s. Proceeding anyway...", res.ExitStatus, res.Stderr)
	default:
		r.note("Backed up old cert to %s", backupPath)
	}
	return proceed
}

func (h *Handler) upload(ctx context.Context, r *run) outcome {
	r.note("Uploading files to %s/...", h.stagingDir)
	for _, a := range r.artifacts {
		if err := r.session.WriteFile(ctx, a.staged, []byte(a.content)); err != nil {
			return r.fail(engerrors.Wrap(engerrors.ErrCodeUpload,
				fmt.Sprintf("Failed to upload to staging directory. Error: %s: %v", a.kind, err), nil))
		}
		r.note("Uploaded %s to %s", a.kind, a.staged)
	}
	return proceed
}

// installCommand moves every staged artifact into place as one command, so a
// failing sub-command stops the rest.
func installCommand(artifacts []artifact) string {
	var cmds []string
	for _, a := range artifacts {
		final := shellescape.Quote(a.final)
		cmds = append(cmds,
			"sudo mv "+shellescape.Quote(a.staged)+" "+final,
			"sudo chown root:root "+final,
			"sudo chmod "+a.mode+" "+final,
		)
	}
	return strings.Join(cmds, " && ")
}

func (h *Handler) install(ctx context.Context, r *run) outcome {
	cmd := installCommand(r.artifacts)
	if cmd == "" {
		return skip
	}
	r.note("Executing: %s", cmd)
	res, err := r.session.Run(ctx, cmd)
	if err != nil {
		return r.fail(engerrors.Wrap(engerrors.ErrCodeInstall, "Failed to move files from staging. Error: "+err.Error(), nil))
	}
	if res.ExitStatus != 0 {
		detail := res.Stderr
		if detail == "" {
			detail = res.Stdout
		}
		return r.fail(engerrors.Wrap(engerrors.ErrCodeInstall,
			"Failed to move files from staging (Code "+strconv.Itoa(res.ExitStatus)+"). Error: "+detail, nil))
	}
	r.note("All files moved successfully.")
	return proceed
}

func (h *Handler) restart(ctx context.Context, r *run) outcome {
	r.note("Executing: %s", r.spec.RestartCommand)
	res, err := r.session.Run(ctx, r.spec.RestartCommand)
	if err != nil {
		return r.fail(engerrors.Wrap(engerrors.ErrCodeRestart, "Restart FAILED", err))
	}
	if res.ExitStatus == 0 {
		r.note("Restart SUCCESS. Output: %s", res.Stdout)
		r.status = task.StatusSuccess
		return proceed
	}
	prefix := "Restart FAILED (Code " + strconv.Itoa(res.ExitStatus) + ")."
	switch {
	case res.Stderr != "":
		return r.fail(engerrors.Wrap(engerrors.ErrCodeRestart, prefix+" Error: "+res.Stderr, nil))
	case res.Stdout != "":
		return r.fail(engerrors.Wrap(engerrors.ErrCodeRestart, prefix+" Output: "+res.Stdout, nil))
	default:
		return r.fail(engerrors.Wrap(engerrors.ErrCodeRestart, prefix+" No output from server.", nil))
	}
}
