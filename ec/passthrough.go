package ec

import (
	"context"
	"sync"

	"github.com/iwtcode/eliteAdapter/ec/model"
)

// PassThrough управляет режимом прозрачной передачи (TT): потоковым движением,
// буфер которого нужно очищать перед восстановлением сервоприводов.
type PassThrough struct {
	cmd model.Commander

	mu     sync.Mutex
	active bool
}

// NewPassThrough создает обработчик режима TT поверх командного канала.
func NewPassThrough(cmd model.Commander) *PassThrough {
	return &PassThrough{cmd: cmd}
}

// Init включает режим TT.
// lookahead - длина буфера упреждения, t - период точек в секундах, smoothness - коэффициент сглаживания.
func (p *PassThrough) Init(ctx context.Context, lookahead int, t, smoothness float64) (bool, error) {
	ok, err := Call[bool](ctx, p.cmd, "TT_init", map[string]any{
		"lookahead":  lookahead,
		"t":          t,
		"smoothness": smoothness,
	})
	if err != nil {
		return false, err
	}
	if ok {
		p.mu.Lock()
		p.active = true
		p.mu.Unlock()
	}
	return ok, nil
}

// ClearBuffer очищает буфер TT. После успешной очистки режим считается неактивным.
func (p *PassThrough) ClearBuffer(ctx context.Context) (bool, error) {
	ok, err := Call[bool](ctx, p.cmd, "TT_clear_buff", nil)
	if err != nil {
		return false, err
	}
	if ok {
		p.mu.Lock()
		p.active = false
		p.mu.Unlock()
	}
	return ok, nil
}

// Active сообщает, включён ли режим TT.
func (p *PassThrough) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
