package greeting

import (
	"fmt"
	"sync"
	"time"

	"github.com/osteele/liquid"

	"github.com/fairyhunter13/happy-bday-app-sub014/internal/domain"
)

// The birthday body is a published contract with downstream consumers of
// the email service. Do not reword it.
const birthdayTemplate = `Hey, {{ full_name }} it's your birthday`

const anniversaryTemplate = `Hey, {{ full_name }} happy anniversary`

var (
	engineOnce sync.Once
	engine     *liquid.Engine
)

func templateEngine() *liquid.Engine {
	engineOnce.Do(func() {
		engine = liquid.NewEngine()
	})
	return engine
}

// liquidStrategy renders a fixed Liquid template against user fields.
// Templates are parsed once at construction; rendering is pure.
type liquidStrategy struct {
	msgType domain.MessageType
	tpl     *liquid.Template
}

func newLiquidStrategy(msgType domain.MessageType, template string) *liquidStrategy {
	tpl, err := templateEngine().ParseString(template)
	if err != nil {
		// Templates are package constants; a parse failure is a
		// programming error, not a runtime condition.
		panic(fmt.Sprintf("greeting: parse %s template: %v", msgType, err))
	}
	return &liquidStrategy{msgType: msgType, tpl: tpl}
}

func (s *liquidStrategy) Type() domain.MessageType { return s.msgType }

func (s *liquidStrategy) EventDate(u *domain.User) *time.Time {
	return u.EventDate(s.msgType)
}

func (s *liquidStrategy) Render(u *domain.User) (string, error) {
	out, err := s.tpl.RenderString(map[string]interface{}{
		"first_name": u.FirstName,
		"last_name":  u.LastName,
		"full_name":  u.FullName(),
	})
	if err != nil {
		return "", fmt.Errorf("render %s greeting: %w", s.msgType, err)
	}
	return out, nil
}

// NewBirthdayStrategy returns the birthday greeting strategy.
func NewBirthdayStrategy() Strategy {
	return newLiquidStrategy(domain.TypeBirthday, birthdayTemplate)
}

// NewAnniversaryStrategy returns the anniversary greeting strategy.
func NewAnniversaryStrategy() Strategy {
	return newLiquidStrategy(domain.TypeAnniversary, anniversaryTemplate)
}
