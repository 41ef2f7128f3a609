package main

import (
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/ansel1/merry/v2"
	"github.com/loggo/loggo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var catalogLogger = loggo.GetLogger("catalog")

var ErrCatalog = merry.Sentinel("catalog: operation failed")

// Local catalog of users, credentials and access events, backed by SQLite.
// Cross-object links are integer indexes, never object ownership; the wire
// layer only ever sees the indexes.

type User struct {
	ID            uint   `gorm:"primaryKey"`
	Matricula     string `gorm:"uniqueIndex;size:20"`
	Name          string `gorm:"size:64"`
	Code          string `gorm:"index;size:20"` // keypad code
	Active        bool
	ValidFrom     *time.Time
	ValidUntil    *time.Time
	CardEnabled   bool
	BioEnabled    bool
	KeypadEnabled bool
}

type Card struct {
	ID        uint   `gorm:"primaryKey"`
	Idx       int    `gorm:"index"`
	Number    string `gorm:"uniqueIndex;size:20"`
	Matricula string `gorm:"index;size:20"`
}

type BiometricTemplate struct {
	ID        uint   `gorm:"primaryKey"`
	Matricula string `gorm:"index;size:20"`
	Finger    int
	Template  []byte
}

type AccessGroup struct {
	ID   uint `gorm:"primaryKey"`
	Idx  int  `gorm:"uniqueIndex"`
	Name string
}

type CardGroupLink struct {
	ID       uint `gorm:"primaryKey"`
	CardIdx  int  `gorm:"index"`
	GroupIdx int  `gorm:"index"`
}

type TimePeriod struct {
	ID    uint `gorm:"primaryKey"`
	Idx   int  `gorm:"uniqueIndex"`
	Start string
	End   string
}

type Schedule struct {
	ID        uint `gorm:"primaryKey"`
	Idx       int  `gorm:"uniqueIndex"`
	GroupIdx  int
	PeriodIdx int
	Weekdays  string
}

type RelaySchedule struct {
	ID        uint `gorm:"primaryKey"`
	Idx       int  `gorm:"uniqueIndex"`
	Relay     int
	PeriodIdx int
}

type Holiday struct {
	ID   uint   `gorm:"primaryKey"`
	Date string `gorm:"uniqueIndex"` // dd/mm/yyyy
}

// DisplayMessage rows carry device-dependent integer fields; the catalog
// stores the raw columns without interpreting them.
type DisplayMessage struct {
	ID     uint `gorm:"primaryKey"`
	Idx    int  `gorm:"uniqueIndex"`
	Fields string
}

type AccessEvent struct {
	NSR        int64 `gorm:"primaryKey;autoIncrement"`
	Credential string
	Matricula  string `gorm:"index"`
	Timestamp  time.Time
	Direction  int
	Reader     int
	Granted    bool
	Collected  bool `gorm:"index"`
}

type Catalog struct {
	db *gorm.DB
}

func openCatalog(path string) (*Catalog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, merry.Wrap(ErrCatalog, merry.WithCause(err))
	}
	err = db.AutoMigrate(
		&User{}, &Card{}, &BiometricTemplate{}, &AccessGroup{}, &CardGroupLink{},
		&TimePeriod{}, &Schedule{}, &RelaySchedule{}, &Holiday{}, &DisplayMessage{},
		&AccessEvent{},
	)
	if err != nil {
		return nil, merry.Wrap(ErrCatalog, merry.WithCause(err))
	}
	return &Catalog{db: db}, nil
}

// Lookups used by the offline validator.

func (c *Catalog) FindUserByCard(number string) (*User, error) {
	var card Card
	if err := c.db.Where("number = ?", number).First(&card).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, merry.Wrap(ErrCatalog, merry.WithCause(err))
	}
	return c.findUserByMatricula(card.Matricula)
}

func (c *Catalog) FindUserByCode(code string) (*User, error) {
	var user User
	if err := c.db.Where("code = ?", code).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, merry.Wrap(ErrCatalog, merry.WithCause(err))
	}
	return &user, nil
}

// FindUserByTemplate is an exact-blob match; template comparison beyond
// equality belongs to the biometric collaborator.
func (c *Catalog) FindUserByTemplate(template []byte) (*User, error) {
	var tpl BiometricTemplate
	if err := c.db.Where("template = ?", template).First(&tpl).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, merry.Wrap(ErrCatalog, merry.WithCause(err))
	}
	return c.findUserByMatricula(tpl.Matricula)
}

func (c *Catalog) findUserByMatricula(matricula string) (*User, error) {
	var user User
	if err := c.db.Where("matricula = ?", matricula).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, merry.Wrap(ErrCatalog, merry.WithCause(err))
	}
	return &user, nil
}

// LastGrantWithin returns the most recent granted event for the user at or
// after since, or nil.
func (c *Catalog) LastGrantWithin(matricula string, since time.Time) (*AccessEvent, error) {
	var ev AccessEvent
	err := c.db.Where("matricula = ? AND granted = ? AND timestamp >= ?", matricula, true, since).
		Order("nsr DESC").First(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, merry.Wrap(ErrCatalog, merry.WithCause(err))
	}
	return &ev, nil
}

// RecordAccess appends one event to the log and returns its NSR.
func (c *Catalog) RecordAccess(ev AccessEvent) (int64, error) {
	if err := c.db.Create(&ev).Error; err != nil {
		return 0, merry.Wrap(ErrCatalog, merry.WithCause(err))
	}
	return ev.NSR, nil
}

// EventsByFilter implements the five RR retrieval modes. Mode C returns
// uncollected events only and leaves the collected flag alone; marking
// happens on the ER acknowledge.
func (c *Catalog) EventsByFilter(req RecordRequest) ([]AccessEvent, error) {
	q := c.db.Model(&AccessEvent{}).Order("nsr").Limit(req.Qty)
	switch req.Filter {
	case FilterByAddress, FilterByNSR:
		from := int64(0)
		if len(req.Args) > 0 {
			v, err := strconv.ParseInt(req.Args[0], 10, 64)
			if err != nil {
				return nil, merry.Wrap(ErrBadValue, merry.AppendMessagef("nsr %q", req.Args[0]))
			}
			from = v
		}
		q = q.Where("nsr >= ?", from)
	case FilterByDate:
		if len(req.Args) < 1 {
			return nil, merry.Wrap(ErrMissingField, merry.AppendMessage("date filter needs a start"))
		}
		start, err := time.ParseInLocation(henryTimeLayout, req.Args[0], time.Local)
		if err != nil {
			return nil, merry.Wrap(ErrBadValue, merry.AppendMessagef("start %q", req.Args[0]))
		}
		q = q.Where("timestamp >= ?", start)
		// the end bound is optional on some firmwares
		if len(req.Args) > 1 && req.Args[1] != "" {
			end, err := time.ParseInLocation(henryTimeLayout, req.Args[1], time.Local)
			if err != nil {
				return nil, merry.Wrap(ErrBadValue, merry.AppendMessagef("end %q", req.Args[1]))
			}
			q = q.Where("timestamp <= ?", end)
		}
	case FilterByIndex:
		idx := 1
		if len(req.Args) > 0 {
			v, err := strconv.Atoi(req.Args[0])
			if err != nil || v < 1 {
				return nil, merry.Wrap(ErrBadValue, merry.AppendMessagef("index %q", req.Args[0]))
			}
			idx = v
		}
		q = q.Offset(idx - 1)
	case FilterByUncollected:
		q = q.Where("collected = ?", false)
	default:
		return nil, merry.Wrap(ErrBadValue, merry.AppendMessagef("filter %q", req.Filter))
	}
	var events []AccessEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, merry.Wrap(ErrCatalog, merry.WithCause(err))
	}
	return events, nil
}

// MarkCollected flags the acknowledged NSRs.
func (c *Catalog) MarkCollected(nsrs []int64) error {
	if len(nsrs) == 0 {
		return nil
	}
	err := c.db.Model(&AccessEvent{}).Where("nsr IN ?", nsrs).Update("collected", true).Error
	if err != nil {
		return merry.Wrap(ErrCatalog, merry.WithCause(err))
	}
	return nil
}

// Counters for the RQ status queries.

func (c *Catalog) count(model any, query string, args ...any) (int64, error) {
	var n int64
	q := c.db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, merry.Wrap(ErrCatalog, merry.WithCause(err))
	}
	return n, nil
}

func (c *Catalog) CountUsers() (int64, error)     { return c.count(&User{}, "") }
func (c *Catalog) CountCards() (int64, error)     { return c.count(&Card{}, "") }
func (c *Catalog) CountTemplates() (int64, error) { return c.count(&BiometricTemplate{}, "") }
func (c *Catalog) CountEvents() (int64, error)    { return c.count(&AccessEvent{}, "") }
func (c *Catalog) CountUncollected() (int64, error) {
	return c.count(&AccessEvent{}, "collected = ?", false)
}
func (c *Catalog) CountPeriods() (int64, error) { return c.count(&TimePeriod{}, "") }

// ApplyBatch applies a CRUD batch transactionally: either every row lands or
// none does.
func (c *Catalog) ApplyBatch(b Batch) error {
	return c.db.Transaction(func(tx *gorm.DB) error {
		for _, row := range b.Rows {
			if err := applyBatchRow(tx, b.Token, row); err != nil {
				return err
			}
		}
		return nil
	})
}

func applyBatchRow(tx *gorm.DB, token string, row BatchRow) error {
	if row.Mode == ModeClearAll {
		return clearAll(tx, token)
	}
	rec, key, err := batchRecord(tx, token, row.Columns)
	if err != nil {
		return err
	}
	switch row.Mode {
	case ModeInsert:
		var n int64
		if err := tx.Model(rec).Where(key.query, key.args...).Count(&n).Error; err != nil {
			return merry.Wrap(ErrCatalog, merry.WithCause(err))
		}
		if n > 0 {
			return merry.Wrap(ErrDuplicateKey, merry.AppendMessagef("%s row exists", token))
		}
		if err := tx.Create(rec).Error; err != nil {
			return merry.Wrap(ErrCatalog, merry.WithCause(err))
		}
	case ModeUpdate:
		res := tx.Model(rec).Where(key.query, key.args...).Updates(rec)
		if res.Error != nil {
			return merry.Wrap(ErrCatalog, merry.WithCause(res.Error))
		}
		if res.RowsAffected == 0 {
			return merry.Wrap(ErrBadReference, merry.AppendMessagef("%s row missing", token))
		}
	case ModeDelete:
		res := tx.Where(key.query, key.args...).Delete(rec)
		if res.Error != nil {
			return merry.Wrap(ErrCatalog, merry.WithCause(res.Error))
		}
		if res.RowsAffected == 0 {
			return merry.Wrap(ErrBadReference, merry.AppendMessagef("%s row missing", token))
		}
	default:
		return merry.Wrap(ErrBadValue, merry.AppendMessagef("mode %q", row.Mode))
	}
	if token == "EU" && row.Mode != ModeDelete {
		return syncUserCards(tx, row.Columns)
	}
	return nil
}

// syncUserCards upserts the }-separated card list of an EU row (column 10)
// under the user's matricula.
func syncUserCards(tx *gorm.DB, cols []string) error {
	if len(cols) < 10 || cols[9] == "" {
		return nil
	}
	for _, number := range splitSubfields(cols[9]) {
		if err := validateCardNumber(number); err != nil {
			return err
		}
		var existing Card
		err := tx.Where("number = ?", number).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&Card{Number: number, Matricula: cols[0]}).Error; err != nil {
				return merry.Wrap(ErrCatalog, merry.WithCause(err))
			}
		case err != nil:
			return merry.Wrap(ErrCatalog, merry.WithCause(err))
		case existing.Matricula != cols[0]:
			return merry.Wrap(ErrDuplicateKey, merry.AppendMessagef("card %s belongs to %s", number, existing.Matricula))
		}
	}
	return nil
}

type rowKey struct {
	query string
	args  []any
}

// batchRecord builds the model instance and its primary-key filter for one
// wire row. Column layouts per token are fixed; see DESIGN.md.
func batchRecord(tx *gorm.DB, token string, cols []string) (any, rowKey, error) {
	col := func(i int) string {
		if i < len(cols) {
			return cols[i]
		}
		return ""
	}
	atoi := func(i int) int {
		v, _ := strconv.Atoi(col(i))
		return v
	}
	switch token {
	case "EU":
		if col(0) == "" {
			return nil, rowKey{}, merry.Wrap(ErrMissingField, merry.AppendMessage("matricula"))
		}
		u := &User{
			Matricula:     col(0),
			Name:          col(1),
			Code:          col(2),
			Active:        col(3) != "0",
			CardEnabled:   col(6) != "0",
			BioEnabled:    col(7) != "0",
			KeypadEnabled: col(8) != "0",
		}
		if from, err := parseOptionalTime(col(4)); err == nil {
			u.ValidFrom = from
		} else {
			return nil, rowKey{}, err
		}
		if until, err := parseOptionalTime(col(5)); err == nil {
			u.ValidUntil = until
		} else {
			return nil, rowKey{}, err
		}
		return u, rowKey{"matricula = ?", []any{u.Matricula}}, nil
	case "ECAR":
		number := col(1)
		if err := validateCardNumber(number); err != nil {
			return nil, rowKey{}, err
		}
		card := &Card{Idx: atoi(0), Number: number, Matricula: col(2)}
		return card, rowKey{"number = ?", []any{card.Number}}, nil
	case "ED":
		tpl, err := hex.DecodeString(col(2))
		if err != nil {
			return nil, rowKey{}, merry.Wrap(ErrBadValue, merry.AppendMessage("template is not hex"))
		}
		d := &BiometricTemplate{Matricula: col(0), Finger: atoi(1), Template: tpl}
		return d, rowKey{"matricula = ? AND finger = ?", []any{d.Matricula, d.Finger}}, nil
	case "EGA":
		g := &AccessGroup{Idx: atoi(0), Name: col(1)}
		return g, rowKey{"idx = ?", []any{g.Idx}}, nil
	case "ECGA":
		link := &CardGroupLink{CardIdx: atoi(0), GroupIdx: atoi(1)}
		var n int64
		if err := tx.Model(&Card{}).Where("idx = ?", link.CardIdx).Count(&n).Error; err != nil || n == 0 {
			return nil, rowKey{}, merry.Wrap(ErrBadReference, merry.AppendMessagef("card index %d", link.CardIdx))
		}
		if err := tx.Model(&AccessGroup{}).Where("idx = ?", link.GroupIdx).Count(&n).Error; err != nil || n == 0 {
			return nil, rowKey{}, merry.Wrap(ErrBadReference, merry.AppendMessagef("group index %d", link.GroupIdx))
		}
		return link, rowKey{"card_idx = ? AND group_idx = ?", []any{link.CardIdx, link.GroupIdx}}, nil
	case "EACI":
		r := &RelaySchedule{Idx: atoi(0), Relay: atoi(1), PeriodIdx: atoi(2)}
		return r, rowKey{"idx = ?", []any{r.Idx}}, nil
	case "EPER":
		p := &TimePeriod{Idx: atoi(0), Start: col(1), End: col(2)}
		return p, rowKey{"idx = ?", []any{p.Idx}}, nil
	case "EHOR":
		s := &Schedule{Idx: atoi(0), GroupIdx: atoi(1), PeriodIdx: atoi(2), Weekdays: col(3)}
		var n int64
		if err := tx.Model(&TimePeriod{}).Where("idx = ?", s.PeriodIdx).Count(&n).Error; err != nil || n == 0 {
			return nil, rowKey{}, merry.Wrap(ErrBadReference, merry.AppendMessagef("period index %d", s.PeriodIdx))
		}
		return s, rowKey{"idx = ?", []any{s.Idx}}, nil
	case "EFER":
		h := &Holiday{Date: col(0)}
		return h, rowKey{"date = ?", []any{h.Date}}, nil
	case "EMSG":
		m := &DisplayMessage{Idx: atoi(0)}
		if len(cols) > 1 {
			m.Fields = joinColumns(cols[1:])
		}
		return m, rowKey{"idx = ?", []any{m.Idx}}, nil
	}
	return nil, rowKey{}, merry.Wrap(ErrWrongCommand, merry.AppendMessagef("token %q", token))
}

// clearAll empties the collection behind a token. Applying it twice is the
// same as applying it once.
func clearAll(tx *gorm.DB, token string) error {
	var model any
	switch token {
	case "EU":
		model = &User{}
	case "ECAR":
		model = &Card{}
	case "ED":
		model = &BiometricTemplate{}
	case "EGA":
		model = &AccessGroup{}
	case "ECGA":
		model = &CardGroupLink{}
	case "EACI":
		model = &RelaySchedule{}
	case "EPER":
		model = &TimePeriod{}
	case "EHOR":
		model = &Schedule{}
	case "EFER":
		model = &Holiday{}
	case "EMSG":
		model = &DisplayMessage{}
	default:
		return merry.Wrap(ErrWrongCommand, merry.AppendMessagef("token %q", token))
	}
	if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
		return merry.Wrap(ErrCatalog, merry.WithCause(err))
	}
	return nil
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" || s == "00/00/0000 00:00:00" {
		return nil, nil
	}
	t, err := time.ParseInLocation(henryTimeLayout, s, time.Local)
	if err != nil {
		return nil, merry.Wrap(ErrBadValue, merry.AppendMessagef("datetime %q", s))
	}
	return &t, nil
}

func joinColumns(cols []string) string {
	out := cols[0]
	for _, c := range cols[1:] {
		out += "[" + c
	}
	return out
}
