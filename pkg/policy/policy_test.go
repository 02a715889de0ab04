package policy

import "testing"

func TestProposalPolicyEmptyAllows(t *testing.T) {
	p := NewProposalPolicy(nil)
	if d := p.Evaluate("tenant-a", "restart_service"); !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}
}

func TestProposalPolicyBlocks(t *testing.T) {
	p := NewProposalPolicy([]string{"Delete_Database", ""})
	d := p.Evaluate("tenant-a", "delete_database")
	if d.Allowed {
		t.Fatal("expected deny")
	}
	if d.ReasonCode != ReasonActionTypeBlocked {
		t.Fatalf("expected reason %s, got %s", ReasonActionTypeBlocked, d.ReasonCode)
	}
	if d := p.Evaluate("tenant-a", "DELETE_DATABASE"); d.Allowed {
		t.Fatal("expected case-insensitive deny")
	}
	if d := p.Evaluate("tenant-a", "restart_service"); !d.Allowed {
		t.Fatal("expected unblocked type allowed")
	}
}

func TestTenantExecutionPolicyDenyByDefault(t *testing.T) {
	cases := []*TenantExecutionPolicy{
		NewTenantExecutionPolicy(nil),
		NewTenantExecutionPolicy(map[string][]string{}),
		NewTenantExecutionPolicy(map[string][]string{"other_action": {"tenant-a"}}),
		NewTenantExecutionPolicy(map[string][]string{"restart_service": {}}),
	}
	for i, p := range cases {
		d := p.EvaluateExecution("tenant-a", "restart_service")
		if d.Allowed {
			t.Fatalf("case %d: expected deny", i)
		}
		if d.ReasonCode != ReasonTenantNotAuthorized {
			t.Fatalf("case %d: expected reason %s, got %s", i, ReasonTenantNotAuthorized, d.ReasonCode)
		}
	}
}

func TestTenantExecutionPolicyAllowsMember(t *testing.T) {
	p := NewTenantExecutionPolicy(map[string][]string{
		"Restart_Service": {"Tenant-A", "tenant-b"},
	})
	if d := p.EvaluateExecution("tenant-a", "restart_service"); !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}
	if d := p.EvaluateExecution("TENANT-B", "RESTART_SERVICE"); !d.Allowed {
		t.Fatal("expected case-insensitive allow")
	}
	if d := p.EvaluateExecution("tenant-c", "restart_service"); d.Allowed {
		t.Fatal("expected non-member denied")
	}
}

func TestParseTenantExecutionPolicyJSON(t *testing.T) {
	p, err := ParseTenantExecutionPolicyJSON(`{"restart_service":["tenant-a"]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d := p.EvaluateExecution("tenant-a", "restart_service"); !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}
	if _, err := ParseTenantExecutionPolicyJSON(`[`); err == nil {
		t.Fatal("expected parse error")
	}
	empty, err := ParseTenantExecutionPolicyJSON("")
	if err != nil {
		t.Fatalf("parse empty: %v", err)
	}
	if d := empty.EvaluateExecution("tenant-a", "anything"); d.Allowed {
		t.Fatal("expected empty config to deny")
	}
}

func TestDecisionConstructors(t *testing.T) {
	if d := Allow(); !d.Allowed || d.ReasonCode != "" {
		t.Fatalf("unexpected allow decision: %+v", d)
	}
	d := Deny("x", "y")
	if d.Allowed || d.ReasonCode != "x" || d.Message != "y" {
		t.Fatalf("unexpected deny decision: %+v", d)
	}
}
