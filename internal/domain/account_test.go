package domain

import "testing"

func TestAccountOwnsChannel(t *testing.T) {
	t.Parallel()

	d := AccountData{
		ChannelIDs:           []string{"c1"},
		SubChannelIDs:        []string{"thread1"},
		PrivateChannelID:     "dm-mj",
		NijiPrivateChannelID: "dm-niji",
	}
	for _, id := range []string{"c1", "thread1", "dm-mj", "dm-niji"} {
		if !d.OwnsChannel(id) {
			t.Fatalf("expected %s to be owned", id)
		}
	}
	for _, id := range []string{"", "other"} {
		if d.OwnsChannel(id) {
			t.Fatalf("did not expect %q to be owned", id)
		}
	}
}

func TestAccountLimits(t *testing.T) {
	t.Parallel()

	d := AccountData{AllowModes: []SpeedMode{ModeRelax}, DayDrawLimit: 2, DayDrawCount: 2}
	if d.AllowsMode(ModeFast) {
		t.Fatalf("fast should not be allowed")
	}
	if !d.AllowsMode(ModeRelax) || !d.AllowsMode(ModeNone) {
		t.Fatalf("relax and none should be allowed")
	}
	if d.UnderDailyLimit() {
		t.Fatalf("limit reached")
	}
	d.DayDrawLimit = 0
	if !d.UnderDailyLimit() {
		t.Fatalf("zero limit means unlimited")
	}
}

func TestAccountDisable(t *testing.T) {
	t.Parallel()

	a := NewAccount(AccountData{ID: "a1", Enabled: true})
	if !a.Disable("blocked") {
		t.Fatalf("first disable should report true")
	}
	if a.Disable("again") {
		t.Fatalf("second disable should report false")
	}
	if d := a.Data(); d.Enabled || d.DisabledReason != "blocked" {
		t.Fatalf("unexpected state %+v", d)
	}
}
