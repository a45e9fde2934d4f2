package greeting

import (
	"testing"
	"time"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
)

func TestBirthdayRenderContract(t *testing.T) {
	// The exact body is consumed downstream; any drift here is a breaking
	// change, not a wording tweak.
	s := NewBirthdayStrategy()
	u := &domain.User{FirstName: "John", LastName: "Doe"}

	got, err := s.Render(u)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "Hey, John Doe it's your birthday"
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

func TestBirthdayRenderWithoutLastName(t *testing.T) {
	s := NewBirthdayStrategy()
	u := &domain.User{FirstName: "Prince"}

	got, err := s.Render(u)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "Hey, Prince it's your birthday"
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

func TestAnniversaryRender(t *testing.T) {
	s := NewAnniversaryStrategy()
	u := &domain.User{FirstName: "Grace", LastName: "Hopper"}

	got, err := s.Render(u)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	want := "Hey, Grace Hopper happy anniversary"
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

func TestStrategyEventDate(t *testing.T) {
	bday := time.Date(1988, time.May, 4, 0, 0, 0, 0, time.UTC)
	anniv := time.Date(2012, time.September, 30, 0, 0, 0, 0, time.UTC)
	u := &domain.User{BirthdayDate: &bday, AnniversaryDate: &anniv}

	if got := NewBirthdayStrategy().EventDate(u); got == nil || !got.Equal(bday) {
		t.Errorf("birthday EventDate = %v, want %v", got, bday)
	}
	if got := NewAnniversaryStrategy().EventDate(u); got == nil || !got.Equal(anniv) {
		t.Errorf("anniversary EventDate = %v, want %v", got, anniv)
	}
	if got := NewBirthdayStrategy().EventDate(&domain.User{}); got != nil {
		t.Errorf("EventDate without birthday = %v, want nil", got)
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	s, err := r.Get(domain.TypeBirthday)
	if err != nil {
		t.Fatalf("Get(birthday): %v", err)
	}
	if s.Type() != domain.TypeBirthday {
		t.Errorf("strategy type = %s", s.Type())
	}

	if _, err := r.Get(domain.MessageType("GRADUATION")); err == nil {
		t.Error("expected error for unregistered type")
	}

	types := r.Types()
	if len(types) != 2 {
		t.Fatalf("Types() returned %d entries, want 2", len(types))
	}
	// Stable order: ANNIVERSARY sorts before BIRTHDAY.
	if types[0] != domain.TypeAnniversary || types[1] != domain.TypeBirthday {
		t.Errorf("Types() = %v, want stable sorted order", types)
	}

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All() returned %d entries, want 2", len(all))
	}
	for i, s := range all {
		if s.Type() != types[i] {
			t.Errorf("All()[%d].Type() = %s, want %s", i, s.Type(), types[i])
		}
	}
}

type fakeStrategy struct{ t domain.MessageType }

func (f fakeStrategy) Type() domain.MessageType { return f.t }

func (f fakeStrategy) EventDate(*domain.User) *time.Time { return nil }

func (f fakeStrategy) Render(*domain.User) (string, error) { return "fake", nil }

func TestRegistryReplacement(t *testing.T) {
	r := DefaultRegistry()
	r.Register(fakeStrategy{t: domain.TypeBirthday})

	s, err := r.Get(domain.TypeBirthday)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	out, _ := s.Render(&domain.User{})
	if out != "fake" {
		t.Errorf("replacement strategy not used, got %q", out)
	}
	if len(r.Types()) != 2 {
		t.Errorf("replacement should not grow registry, got %d types", len(r.Types()))
	}
}
