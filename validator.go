package main

import (
	"fmt"
	"time"

	"github.com/ansel1/merry/v2"
	"github.com/loggo/loggo"
)

var validatorLogger = loggo.GetLogger("validator")

var (
	ErrValidationTimeout = merry.Sentinel("validator: no decision within timeout")
	ErrMalformedResponse = merry.Sentinel("validator: malformed response")
	ErrWrongDevice       = merry.Sentinel("validator: response for another device")
)

// onlineValidator turns a credential into a decision by round-tripping with
// the validation server. The network loop feeds decisions matched to our
// device ID into responses; anything else it skips. The request carries a
// timestamp but no request ID, and the validator never retries.
type onlineValidator struct {
	cfg       *configHolder
	send      func(Message) error
	responses chan AccessDecision
}

func newOnlineValidator(cfg *configHolder, send func(Message) error) *onlineValidator {
	return &onlineValidator{cfg: cfg, send: send, responses: make(chan AccessDecision, 1)}
}

// Validate sends the access request and waits out TIMEOUT_ON for a matching
// decision.
func (v *onlineValidator) Validate(req AccessRequest) (AccessDecision, error) {
	snap := v.cfg.Get()

	// a decision left over from an abandoned cycle must not satisfy this one
	for {
		select {
		case stale := <-v.responses:
			validatorLogger.Warningf("discarding stale decision %d", stale.Kind)
			continue
		default:
		}
		break
	}

	if err := v.send(req.toMessage(snap.DeviceID)); err != nil {
		return AccessDecision{}, err
	}
	timer := time.NewTimer(time.Duration(snap.TimeoutOnMS) * time.Millisecond)
	defer timer.Stop()
	select {
	case d := <-v.responses:
		return d, nil
	case <-timer.C:
		return AccessDecision{}, merry.Wrap(ErrValidationTimeout)
	}
}

// Deliver hands a wire message to the validator. It accepts only access
// responses targeting our device ID; everything else is reported back so the
// network loop can log and move on.
func (v *onlineValidator) Deliver(frameID int, m Message) error {
	snap := v.cfg.Get()
	if frameID != snap.DeviceID || (m.HasDeviceID && m.DeviceID != snap.DeviceID) {
		return merry.Wrap(ErrWrongDevice, merry.AppendMessagef("frame ID %02d", frameID))
	}
	d, err := accessDecisionFromMessage(m)
	if err != nil {
		return merry.Wrap(ErrMalformedResponse, merry.WithCause(err))
	}
	select {
	case v.responses <- d:
	default:
		validatorLogger.Warningf("no validation outstanding; dropping decision %d", d.Kind)
	}
	return nil
}

// offlineValidator reaches a decision from the local catalog alone.
type offlineValidator struct {
	cfg *configHolder
	cat *Catalog
}

func newOfflineValidator(cfg *configHolder, cat *Catalog) *offlineValidator {
	return &offlineValidator{cfg: cfg, cat: cat}
}

// Decide looks the credential up by card number, then keypad code, then (for
// biometric captures) exact template match, applies the validity rules and
// logs the outcome to the catalog event log.
func (v *offlineValidator) Decide(credential string, reader ReaderType, dir Direction, template []byte, now time.Time) AccessDecision {
	snap := v.cfg.Get()

	user, decision := v.lookupAndCheck(snap, credential, reader, dir, template, now)

	matricula := ""
	if user != nil {
		matricula = user.Matricula
	}
	_, err := v.cat.RecordAccess(AccessEvent{
		Credential: credential,
		Matricula:  matricula,
		Timestamp:  now,
		Direction:  int(dir),
		Reader:     int(reader),
		Granted:    decision.IsGrant(),
	})
	if err != nil {
		validatorLogger.Errorf("recording offline decision: %v", err)
	}
	return decision
}

func (v *offlineValidator) lookupAndCheck(snap ConfigSnapshot, credential string, reader ReaderType, dir Direction, template []byte, now time.Time) (*User, AccessDecision) {
	deny := func(text string) AccessDecision {
		return AccessDecision{Kind: DenyAccess, Seconds: 5, Text: text}
	}

	user, err := v.cat.FindUserByCard(credential)
	if err == nil && user == nil {
		user, err = v.cat.FindUserByCode(credential)
	}
	if err == nil && user == nil && reader == ReaderBiometric {
		user, err = v.cat.FindUserByTemplate(template)
	}
	if err != nil {
		validatorLogger.Errorf("catalog lookup: %v", err)
		return nil, deny("Acesso negado")
	}
	if user == nil {
		return nil, deny("Cartao nao cadastrado")
	}
	if !user.Active {
		return user, deny("Usuario inativo")
	}
	if user.ValidFrom != nil && now.Before(*user.ValidFrom) ||
		user.ValidUntil != nil && now.After(*user.ValidUntil) {
		return user, deny("Fora do periodo de validade")
	}
	switch reader {
	case ReaderRfid:
		if !user.CardEnabled {
			return user, deny("Metodo nao permitido")
		}
	case ReaderBiometric:
		if !user.BioEnabled {
			return user, deny("Metodo nao permitido")
		}
	default:
		if !user.KeypadEnabled {
			return user, deny("Metodo nao permitido")
		}
	}
	if snap.AntiPassbackMin > 0 {
		since := now.Add(-time.Duration(snap.AntiPassbackMin) * time.Minute)
		last, err := v.cat.LastGrantWithin(user.Matricula, since)
		if err != nil {
			validatorLogger.Errorf("catalog passback lookup: %v", err)
			return user, deny("Acesso negado")
		}
		if last != nil && Direction(last.Direction) == dir {
			return user, deny("Passback")
		}
	}

	kind := GrantEntry
	if dir == DirectionExit {
		kind = GrantExit
	}
	return user, AccessDecision{
		Kind:    kind,
		Seconds: 3,
		Text:    fmt.Sprintf("Bem-vindo %s", user.Name),
	}
}
