// Package policy decides whether a session must step up with MFA, using an OPA Rego policy.
package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"
)

const (
	mfaRequiredQuery = "data.session.mfa.mfa_required"
	reasonsQuery     = "data.session.mfa.reasons"
)

// DefaultRegoPolicy requires MFA for unverified admin sessions and for unverified sessions on
// untrusted devices, each switchable through input.config.
const DefaultRegoPolicy = `package session.mfa

default mfa_required := false

mfa_required if {
	count(reasons) > 0
}

reasons contains "admin_session" if {
	input.session.security_level == "admin"
	not input.session.mfa_verified
	input.config.require_for_admin
}

reasons contains "untrusted_device" if {
	not input.session.device_trusted
	not input.session.mfa_verified
	input.config.require_for_untrusted_device
}
`

// Config carries the switches passed to the policy as input.config.
type Config struct {
	RequireForAdmin           bool
	RequireForUntrustedDevice bool
}

// Input describes the session under evaluation.
type Input struct {
	SessionID     string
	UserID        string
	SecurityLevel string
	MFAVerified   bool
	DeviceTrusted bool
	Permissions   []string
}

// Result is the policy decision.
type Result struct {
	MFARequired bool
	Reasons     []string
}

// Evaluator evaluates the MFA step-up policy.
type Evaluator interface {
	EvaluateMFA(ctx context.Context, in Input) (Result, error)
}

// OPAEvaluator evaluates a compiled Rego policy. It is safe for concurrent use.
type OPAEvaluator struct {
	cfg     Config
	logger  *zap.Logger
	modules map[string]string
	mfa     rego.PreparedEvalQuery
	reasons rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles DefaultRegoPolicy, or the given modules when any are supplied.
// Custom modules must declare package session.mfa with mfa_required and reasons rules.
func NewOPAEvaluator(ctx context.Context, cfg Config, logger *zap.Logger, modules ...string) (*OPAEvaluator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(modules) == 0 {
		modules = []string{DefaultRegoPolicy}
	}
	m := make(map[string]string, len(modules))
	for i, src := range modules {
		m[fmt.Sprintf("policy_%d.rego", i)] = src
	}
	compiler, err := ast.CompileModules(m)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	mfa, err := rego.New(rego.Query(mfaRequiredQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", mfaRequiredQuery, err)
	}
	reasons, err := rego.New(rego.Query(reasonsQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", reasonsQuery, err)
	}
	return &OPAEvaluator{cfg: cfg, logger: logger, modules: m, mfa: mfa, reasons: reasons}, nil
}

// HealthCheck evaluates the compiled policy against a minimal input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.EvaluateMFA(ctx, Input{SecurityLevel: "basic"})
	return err
}

// EvaluateMFA returns whether in must complete MFA before privileged use.
func (e *OPAEvaluator) EvaluateMFA(ctx context.Context, in Input) (Result, error) {
	input := e.buildInput(in)

	rs, err := e.mfa.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Result{}, fmt.Errorf("eval mfa_required: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Result{}, fmt.Errorf("policy query returned no result")
	}
	required, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return Result{}, fmt.Errorf("mfa_required is %T, want bool", rs[0].Expressions[0].Value)
	}
	out := Result{MFARequired: required}

	rs, err = e.reasons.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		e.logger.Warn("policy reasons evaluation failed", zap.String("session_id", in.SessionID), zap.Error(err))
		return out, nil
	}
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		if vals, ok := rs[0].Expressions[0].Value.([]interface{}); ok {
			for _, v := range vals {
				if s, ok := v.(string); ok {
					out.Reasons = append(out.Reasons, s)
				}
			}
			sort.Strings(out.Reasons)
		}
	}
	return out, nil
}

func (e *OPAEvaluator) buildInput(in Input) map[string]interface{} {
	perms := make([]interface{}, 0, len(in.Permissions))
	for _, p := range in.Permissions {
		perms = append(perms, p)
	}
	return map[string]interface{}{
		"session": map[string]interface{}{
			"id":             in.SessionID,
			"user_id":        in.UserID,
			"security_level": in.SecurityLevel,
			"mfa_verified":   in.MFAVerified,
			"device_trusted": in.DeviceTrusted,
			"permissions":    perms,
		},
		"config": map[string]interface{}{
			"require_for_admin":            e.cfg.RequireForAdmin,
			"require_for_untrusted_device": e.cfg.RequireForUntrustedDevice,
		},
	}
}
