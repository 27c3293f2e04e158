// internal/vault/vault_test.go

package vault

import "testing"

func TestIsRef(t *testing.T) {
	if !IsRef("vault:secret/platformx#db_password") {
		t.Error("IsRef rejected a well-formed reference")
	}
	if IsRef("hunter2") {
		t.Error("IsRef accepted a literal value")
	}
	if IsRef("VAULT:secret/x#y") {
		t.Error("IsRef is case-sensitive by contract")
	}
}

func TestParseRef(t *testing.T) {
	path, key, err := ParseRef("vault:secret/platformx/github#token")
	if err != nil {
		t.Fatalf("ParseRef: %v", err)
	}
	if path != "secret/platformx/github" || key != "token" {
		t.Errorf("ParseRef = (%q, %q), want (secret/platformx/github, token)", path, key)
	}

	for _, bad := range []string{"vault:", "vault:no-key", "vault:#key", "vault:path#"} {
		if _, _, err := ParseRef(bad); err == nil {
			t.Errorf("ParseRef(%q) accepted a malformed reference", bad)
		}
	}
}

func TestSplitMount(t *testing.T) {
	mount, rel := splitMount("secret/platformx/github")
	if mount != "secret" || rel != "platformx/github" {
		t.Errorf("splitMount = (%q, %q), want (secret, platformx/github)", mount, rel)
	}
	mount, rel = splitMount("kv")
	if mount != "kv" || rel != "" {
		t.Errorf("splitMount bare mount = (%q, %q), want (kv, \"\")", mount, rel)
	}
}
