//go:build cgo

package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"
)

// sessionPool manages PKCS#11 sessions on one token slot. Login state is
// per token, so the pool tracks which role is logged in and switches
// between user (signing) and security officer (generation, writes).
type sessionPool struct {
	mu        sync.Mutex
	ctx       *pkcs11.Ctx
	module    string
	slotID    uint
	available []pkcs11.SessionHandle
	inUse     map[pkcs11.SessionHandle]bool
	role      *uint // nil when nobody is logged in
	closed    bool
}

// Login roles.
const (
	roleUser uint = pkcs11.CKU_USER
	roleSO   uint = pkcs11.CKU_SO
)

var (
	pools   = make(map[string]*sessionPool)
	poolsMu sync.Mutex
)

func poolKey(module string, slotID uint) string {
	return fmt.Sprintf("%s:%d", module, slotID)
}

// loadModule loads and initializes a PKCS#11 module. An already initialized
// module is fine: C_Initialize is process-wide.
func loadModule(module string) (*pkcs11.Ctx, error) {
	ctx := pkcs11.New(module)
	if ctx == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module: %s", module)
	}
	if err := ctx.Initialize(); err != nil {
		var p11err pkcs11.Error
		if !errors.As(err, &p11err) || p11err != pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED {
			ctx.Destroy()
			return nil, fmt.Errorf("failed to initialize PKCS#11 module: %w", err)
		}
	}
	return ctx, nil
}

// getPool returns the pool for module and slot, creating it on first use.
func getPool(module string, slotID uint) (*sessionPool, error) {
	poolsMu.Lock()
	defer poolsMu.Unlock()

	key := poolKey(module, slotID)
	if p, ok := pools[key]; ok {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			return p, nil
		}
		delete(pools, key)
	}

	ctx, err := loadModule(module)
	if err != nil {
		return nil, err
	}
	p := &sessionPool{
		ctx:    ctx,
		module: module,
		slotID: slotID,
		inUse:  make(map[pkcs11.SessionHandle]bool),
	}
	pools[key] = p
	return p, nil
}

// acquire reserves a session logged in as role with secret. An empty
// secret skips login. The returned release func must be called.
func (p *sessionPool) acquire(role uint, secret string) (pkcs11.SessionHandle, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, nil, fmt.Errorf("session pool is closed")
	}

	var session pkcs11.SessionHandle
	if n := len(p.available); n > 0 {
		session = p.available[n-1]
		p.available = p.available[:n-1]
	} else {
		var err error
		session, err = p.ctx.OpenSession(p.slotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to open session: %w", err)
		}
	}

	if secret != "" {
		if err := p.loginLocked(session, role, secret); err != nil {
			p.available = append(p.available, session)
			return 0, nil, err
		}
	}

	p.inUse[session] = true
	release := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.inUse, session)
		if p.closed {
			_ = p.ctx.CloseSession(session)
			return
		}
		p.available = append(p.available, session)
	}
	return session, release, nil
}

// loginLocked makes role the logged-in user, logging out another role
// first. Must be called with p.mu held.
func (p *sessionPool) loginLocked(session pkcs11.SessionHandle, role uint, secret string) error {
	if p.role != nil && *p.role == role {
		return nil
	}
	if p.role != nil {
		if err := p.ctx.Logout(session); err != nil && !isP11(err, pkcs11.CKR_USER_NOT_LOGGED_IN) {
			return fmt.Errorf("logout: %w", err)
		}
		p.role = nil
	}
	if err := p.ctx.Login(session, role, secret); err != nil && !isP11(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
		return fmt.Errorf("login: %w", err)
	}
	p.role = &role
	return nil
}

// close logs out, closes all sessions, and finalizes the module.
func (p *sessionPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	var first pkcs11.SessionHandle
	haveSession := false
	if len(p.available) > 0 {
		first, haveSession = p.available[0], true
	} else {
		for s := range p.inUse {
			first, haveSession = s, true
			break
		}
	}
	if p.role != nil && haveSession {
		if err := p.ctx.Logout(first); err != nil && !isP11(err, pkcs11.CKR_USER_NOT_LOGGED_IN) {
			errs = append(errs, fmt.Errorf("logout: %w", err))
		}
	}
	for _, s := range p.available {
		if err := p.ctx.CloseSession(s); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	for s := range p.inUse {
		if err := p.ctx.CloseSession(s); err != nil {
			errs = append(errs, fmt.Errorf("close in-use session: %w", err))
		}
	}
	if err := p.ctx.Finalize(); err != nil && !isP11(err, pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED) {
		errs = append(errs, fmt.Errorf("finalize: %w", err))
	}
	p.ctx.Destroy()

	poolsMu.Lock()
	delete(pools, poolKey(p.module, p.slotID))
	poolsMu.Unlock()

	return errors.Join(errs...)
}

// isP11 reports whether err is the PKCS#11 return value code.
func isP11(err error, code uint) bool {
	var p11err pkcs11.Error
	return errors.As(err, &p11err) && uint(p11err) == code
}
