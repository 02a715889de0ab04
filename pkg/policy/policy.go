// Package policy holds the propose-time and execute-time gates. Both are
// side-effect-free functions over a configuration snapshot: evaluation never
// mutates state, so decisions are reproducible for the same config and key.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ReasonActionTypeBlocked   = "action_type_blocked"
	ReasonTenantNotAuthorized = "tenant_not_authorized_for_action"
)

type Decision struct {
	Allowed    bool   `json:"allowed"`
	ReasonCode string `json:"reason_code,omitempty"`
	Message    string `json:"message,omitempty"`
}

func Allow() Decision {
	return Decision{Allowed: true}
}

func Deny(code, message string) Decision {
	return Decision{Allowed: false, ReasonCode: code, Message: message}
}

// ProposalPolicy denies blocked action types at propose time. Empty block list
// allows everything.
type ProposalPolicy struct {
	blocked map[string]struct{}
}

func NewProposalPolicy(blockedActionTypes []string) *ProposalPolicy {
	p := &ProposalPolicy{blocked: map[string]struct{}{}}
	for _, at := range blockedActionTypes {
		key := strings.ToLower(strings.TrimSpace(at))
		if key != "" {
			p.blocked[key] = struct{}{}
		}
	}
	return p
}

func (p *ProposalPolicy) Evaluate(tenant, actionType string) Decision {
	if p == nil || len(p.blocked) == 0 {
		return Allow()
	}
	if _, ok := p.blocked[strings.ToLower(strings.TrimSpace(actionType))]; ok {
		return Deny(ReasonActionTypeBlocked, fmt.Sprintf("action type %q is blocked by proposal policy", actionType))
	}
	return Allow()
}

// TenantExecutionPolicy maps action types to the tenants allowed to execute
// them. Unlike the catalog, this gate is deny-by-default: an empty config, a
// missing action type key, or an empty tenant list all deny.
type TenantExecutionPolicy struct {
	allow map[string]map[string]struct{}
}

func NewTenantExecutionPolicy(allowlist map[string][]string) *TenantExecutionPolicy {
	p := &TenantExecutionPolicy{allow: map[string]map[string]struct{}{}}
	for actionType, tenants := range allowlist {
		key := strings.ToLower(strings.TrimSpace(actionType))
		if key == "" {
			continue
		}
		set := map[string]struct{}{}
		for _, tenant := range tenants {
			trimmed := strings.ToLower(strings.TrimSpace(tenant))
			if trimmed != "" {
				set[trimmed] = struct{}{}
			}
		}
		p.allow[key] = set
	}
	return p
}

// ParseTenantExecutionPolicyJSON parses the TENANT_EXECUTION_ALLOWLIST value:
// a JSON object of action type to tenant id list.
func ParseTenantExecutionPolicyJSON(raw string) (*TenantExecutionPolicy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NewTenantExecutionPolicy(nil), nil
	}
	var allowlist map[string][]string
	if err := json.Unmarshal([]byte(raw), &allowlist); err != nil {
		return nil, fmt.Errorf("parse tenant execution allowlist: %w", err)
	}
	return NewTenantExecutionPolicy(allowlist), nil
}

func (p *TenantExecutionPolicy) EvaluateExecution(tenant, actionType string) Decision {
	denied := Deny(ReasonTenantNotAuthorized, fmt.Sprintf("tenant %q is not authorized to execute %q", tenant, actionType))
	if p == nil || len(p.allow) == 0 {
		return denied
	}
	tenants, ok := p.allow[strings.ToLower(strings.TrimSpace(actionType))]
	if !ok || len(tenants) == 0 {
		return denied
	}
	if _, ok := tenants[strings.ToLower(strings.TrimSpace(tenant))]; !ok {
		return denied
	}
	return Allow()
}
