package heartbeat

import "testing"

func TestHasActiveTasks_EmptyAndScaffoldOnly(t *testing.T) {
	cases := []string{
		"",
		"# HEARTBEAT\n",
		"# HEARTBEAT\n<!-- add tasks below -->\n",
		"# HEARTBEAT\n- [ ] someday task\n- [ ] another\n",
		"\n\n   \n",
	}
	for _, content := range cases {
		if hasActiveTasks(content) {
			t.Errorf("hasActiveTasks(%q) = true, want false", content)
		}
	}
}

func TestHasActiveTasks_RealContent(t *testing.T) {
	cases := []string{
		"# HEARTBEAT\n- [x] done task to report",
		"check the deploy status every run",
		"# HEARTBEAT\n- [ ] later\nping Bob about the invoice",
	}
	for _, content := range cases {
		if !hasActiveTasks(content) {
			t.Errorf("hasActiveTasks(%q) = false, want true", content)
		}
	}
}
