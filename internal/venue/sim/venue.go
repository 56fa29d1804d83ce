package sim

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arbterm/internal/schema"
	"arbterm/internal/venue"
	"arbterm/pkg/exception"
)

const (
	pushBuffer = 4096

	flagActive    = 0x1
	flagCancelled = 0x2
	flagSell      = 0x4

	statusExecuted = 3
	statusRejected = 4
)

// WalkConfig drives random-walk quotes for paper trading.
type WalkConfig struct {
	Interval time.Duration
	Step     decimal.Decimal
	Spread   decimal.Decimal
	Seed     int64
}

// Config controls the simulated venue.
type Config struct {
	// NoAmendPrefixes lists class code prefixes that refuse MOVE_ORDERS.
	NoAmendPrefixes []string
	// ReplyOrderNum puts the order number in the immediate reply.
	ReplyOrderNum bool
	// AutoFillMarket fills market orders against the current quote.
	AutoFillMarket bool
	// MatchLimits fills resting limit orders when the quote crosses them.
	MatchLimits bool
	Walk        *WalkConfig
}

type order struct {
	num        string
	transID    string
	ins        schema.Instrument
	side       schema.Side
	typ        schema.OrderType
	price      decimal.Decimal
	qty        int64
	balance    int64
	active     bool
	account    string
	clientCode string
}

// Venue is an in-process terminal. It answers transactions immediately and
// pushes callbacks on its own worker goroutine, like the real terminal.
type Venue struct {
	cfg    Config
	pushes chan venue.Callback
	rng    *rand.Rand

	mu           sync.Mutex
	nextOrder    int64
	nextTrade    int64
	orders       map[string]*order
	quotes       map[schema.Instrument]schema.Quote
	subscribed   map[schema.Instrument]bool
	transactions []venue.Transaction
	failNext     error
}

// New creates a simulated venue.
func New(cfg Config) *Venue {
	if cfg.NoAmendPrefixes == nil {
		cfg.NoAmendPrefixes = []string{schema.DefaultNoAmendPrefix}
	}
	seed := time.Now().UnixNano()
	if cfg.Walk != nil && cfg.Walk.Seed != 0 {
		seed = cfg.Walk.Seed
	}
	return &Venue{
		cfg:        cfg,
		pushes:     make(chan venue.Callback, pushBuffer),
		rng:        rand.New(rand.NewSource(seed)),
		nextOrder:  100000,
		orders:     make(map[string]*order),
		quotes:     make(map[schema.Instrument]schema.Quote),
		subscribed: make(map[schema.Instrument]bool),
	}
}

// Run delivers pushes to handle until ctx is done.
func (v *Venue) Run(ctx context.Context, handle func(venue.Callback)) error {
	var tick <-chan time.Time
	if v.cfg.Walk != nil && v.cfg.Walk.Interval > 0 {
		ticker := time.NewTicker(v.cfg.Walk.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case cb := <-v.pushes:
			handle(cb)
		case <-tick:
			v.walk()
		}
	}
}

// SendTransaction applies a NEW_ORDER, KILL_ORDER or MOVE_ORDERS transaction.
func (v *Venue) SendTransaction(_ context.Context, tr venue.Transaction) (venue.Reply, error) {
	v.mu.Lock()
	cp := make(venue.Transaction, len(tr))
	for k, val := range tr {
		cp[k] = val
	}
	v.transactions = append(v.transactions, cp)
	if err := v.failNext; err != nil {
		v.failNext = nil
		v.mu.Unlock()
		return venue.Reply{}, err
	}

	var (
		reply venue.Reply
		out   []venue.Callback
	)
	switch tr.Action() {
	case venue.ActionNewOrder:
		reply, out = v.newOrderLocked(tr)
	case venue.ActionKillOrder:
		reply, out = v.killOrderLocked(tr)
	case venue.ActionMoveOrders:
		reply, out = v.moveOrderLocked(tr)
	default:
		v.mu.Unlock()
		return venue.Reply{}, exception.ErrArgumentUnsupported
	}
	v.mu.Unlock()

	v.emit(out...)
	return reply, nil
}

func (v *Venue) newOrderLocked(tr venue.Transaction) (venue.Reply, []venue.Callback) {
	qty, _ := strconv.ParseInt(tr["QUANTITY"], 10, 64)
	price, _ := decimal.NewFromString(tr["PRICE"])
	ins := tr.Instrument()
	if qty <= 0 {
		return venue.Reply{Result: 0, Data: true}, []venue.Callback{transReply(tr["TRANS_ID"], "", statusRejected, "invalid quantity")}
	}

	v.nextOrder++
	o := &order{
		num:        strconv.FormatInt(v.nextOrder, 10),
		transID:    tr["TRANS_ID"],
		ins:        ins,
		side:       schema.ParseSide(tr["OPERATION"]),
		typ:        schema.OrderTypeLimit,
		price:      price,
		qty:        qty,
		balance:    qty,
		active:     true,
		account:    tr["ACCOUNT"],
		clientCode: tr["CLIENT_CODE"],
	}
	if tr["TYPE"] == "M" {
		o.typ = schema.OrderTypeMarket
	}
	v.orders[o.num] = o

	out := []venue.Callback{
		transReply(o.transID, o.num, statusExecuted, "order accepted"),
		orderUpdate(o),
	}
	if o.typ == schema.OrderTypeMarket && v.cfg.AutoFillMarket {
		if q, ok := v.quotes[ins]; ok && q.Valid() {
			px := q.Ask
			if o.side == schema.SideSell {
				px = q.Bid
			}
			out = append(out, v.fillLocked(o, o.balance, px)...)
		}
	} else if o.typ == schema.OrderTypeLimit && v.cfg.MatchLimits {
		if q, ok := v.quotes[ins]; ok {
			out = append(out, v.matchOrderLocked(o, q)...)
		}
	}

	reply := venue.Reply{Result: 0, Data: true}
	if v.cfg.ReplyOrderNum {
		reply.OrderNum = o.num
	}
	return reply, out
}

func (v *Venue) killOrderLocked(tr venue.Transaction) (venue.Reply, []venue.Callback) {
	o, ok := v.orders[tr["ORDER_KEY"]]
	if !ok || !o.active {
		return venue.Reply{Result: 0, Data: true}, []venue.Callback{
			transReply(tr["TRANS_ID"], tr["ORDER_KEY"], statusRejected, "order not found or not active"),
		}
	}
	o.active = false
	return venue.Reply{Result: 0, Data: true}, []venue.Callback{
		transReply(tr["TRANS_ID"], o.num, statusExecuted, "order cancelled"),
		orderUpdate(o),
	}
}

func (v *Venue) moveOrderLocked(tr venue.Transaction) (venue.Reply, []venue.Callback) {
	for _, prefix := range v.cfg.NoAmendPrefixes {
		if prefix != "" && strings.HasPrefix(tr["CLASSCODE"], prefix) {
			return venue.Reply{Result: 0, Data: false, Message: "MOVE_ORDERS not supported on " + tr["CLASSCODE"]}, nil
		}
	}
	o, ok := v.orders[tr["ORDER_KEY"]]
	if !ok || !o.active {
		return venue.Reply{Result: 1, Message: "order not found or not active"}, nil
	}
	if price, err := decimal.NewFromString(tr["PRICE"]); err == nil {
		o.price = price
	}
	if q, err := strconv.ParseInt(tr["QUANTITY"], 10, 64); err == nil && q > 0 {
		filled := o.qty - o.balance
		o.qty = q
		o.balance = q - filled
		if o.balance < 0 {
			o.balance = 0
		}
	}
	out := []venue.Callback{transReply(tr["TRANS_ID"], o.num, statusExecuted, "order moved"), orderUpdate(o)}
	if v.cfg.MatchLimits {
		if q, ok := v.quotes[o.ins]; ok {
			out = append(out, v.matchOrderLocked(o, q)...)
		}
	}
	return venue.Reply{Result: 0, Data: true}, out
}

// Fill executes qty of an active order at price, as if a counterparty traded.
func (v *Venue) Fill(orderNum string, qty int64, price decimal.Decimal) error {
	v.mu.Lock()
	o, ok := v.orders[orderNum]
	if !ok || !o.active || qty <= 0 || qty > o.balance {
		v.mu.Unlock()
		return exception.ErrInvalidArgument
	}
	out := v.fillLocked(o, qty, price)
	v.mu.Unlock()
	v.emit(out...)
	return nil
}

func (v *Venue) fillLocked(o *order, qty int64, price decimal.Decimal) []venue.Callback {
	v.nextTrade++
	o.balance -= qty
	if o.balance == 0 {
		o.active = false
	}
	flags := int64(0)
	if o.side == schema.SideSell {
		flags |= flagSell
	}
	trade := venue.Callback{Cmd: venue.CmdOnTrade, Data: map[string]any{
		"trade_num":  strconv.FormatInt(v.nextTrade, 10),
		"order_num":  o.num,
		"trans_id":   o.transID,
		"class_code": o.ins.ClassCode,
		"sec_code":   o.ins.SecCode,
		"qty":        qty,
		"price":      price.String(),
		"flags":      flags,
		"account":    o.account,
	}}
	return []venue.Callback{trade, orderUpdate(o)}
}

// SetQuote replaces the book of ins and pushes it to subscribers.
func (v *Venue) SetQuote(ins schema.Instrument, bid, ask decimal.Decimal) {
	v.mu.Lock()
	q := schema.Quote{
		Instrument: ins,
		Bid:        bid,
		Ask:        ask,
		Bids:       []schema.Level{{Price: bid, Qty: 1000}},
		Asks:       []schema.Level{{Price: ask, Qty: 1000}},
	}
	v.quotes[ins] = q
	out := v.quotePushLocked(q)
	if v.cfg.MatchLimits {
		for _, o := range v.orders {
			if o.ins == ins {
				out = append(out, v.matchOrderLocked(o, q)...)
			}
		}
	}
	v.mu.Unlock()
	v.emit(out...)
}

func (v *Venue) matchOrderLocked(o *order, q schema.Quote) []venue.Callback {
	if !o.active || o.typ != schema.OrderTypeLimit || !q.Valid() {
		return nil
	}
	switch {
	case o.side == schema.SideBuy && o.price.GreaterThanOrEqual(q.Ask):
		return v.fillLocked(o, o.balance, q.Ask)
	case o.side == schema.SideSell && o.price.LessThanOrEqual(q.Bid):
		return v.fillLocked(o, o.balance, q.Bid)
	}
	return nil
}

func (v *Venue) quotePushLocked(q schema.Quote) []venue.Callback {
	if !v.subscribed[q.Instrument] {
		return nil
	}
	return []venue.Callback{{Cmd: venue.CmdOnQuote, Data: map[string]any{
		"class_code": q.Instrument.ClassCode,
		"sec_code":   q.Instrument.SecCode,
		"bid":        levels(q.Bids),
		"offer":      levels(q.Asks),
	}}}
}

func (v *Venue) walk() {
	w := v.cfg.Walk
	v.mu.Lock()
	var out []venue.Callback
	for ins, q := range v.quotes {
		if !v.subscribed[ins] || !q.Valid() {
			continue
		}
		move := w.Step.Mul(decimal.NewFromInt(int64(v.rng.Intn(3) - 1)))
		mid := q.Mid().Add(move)
		half := w.Spread.Div(decimal.NewFromInt(2))
		if !mid.Sub(half).IsPositive() {
			continue
		}
		q.Bid, q.Ask = mid.Sub(half), mid.Add(half)
		q.Bids = []schema.Level{{Price: q.Bid, Qty: 1000}}
		q.Asks = []schema.Level{{Price: q.Ask, Qty: 1000}}
		v.quotes[ins] = q
		out = append(out, v.quotePushLocked(q)...)
		if v.cfg.MatchLimits {
			for _, o := range v.orders {
				if o.ins == ins {
					out = append(out, v.matchOrderLocked(o, q)...)
				}
			}
		}
	}
	v.mu.Unlock()
	v.emit(out...)
}

// SubscribeQuotes starts pushing quotes of ins.
func (v *Venue) SubscribeQuotes(_ context.Context, ins schema.Instrument) error {
	v.mu.Lock()
	v.subscribed[ins] = true
	var out []venue.Callback
	if q, ok := v.quotes[ins]; ok {
		out = v.quotePushLocked(q)
	}
	v.mu.Unlock()
	v.emit(out...)
	return nil
}

// UnsubscribeQuotes stops pushing quotes of ins.
func (v *Venue) UnsubscribeQuotes(_ context.Context, ins schema.Instrument) error {
	v.mu.Lock()
	delete(v.subscribed, ins)
	v.mu.Unlock()
	return nil
}

// Subscribed reports whether quotes of ins are being pushed.
func (v *Venue) Subscribed(ins schema.Instrument) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.subscribed[ins]
}

// Push injects a raw callback, for replaying venue traffic.
func (v *Venue) Push(cb venue.Callback) {
	v.emit(cb)
}

// FailNext makes the next SendTransaction return err.
func (v *Venue) FailNext(err error) {
	v.mu.Lock()
	v.failNext = err
	v.mu.Unlock()
}

// Transactions returns a copy of every transaction received so far.
func (v *Venue) Transactions() []venue.Transaction {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]venue.Transaction(nil), v.transactions...)
}

// ActiveOrders returns the numbers of orders still resting.
func (v *Venue) ActiveOrders() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for num, o := range v.orders {
		if o.active {
			out = append(out, num)
		}
	}
	return out
}

func (v *Venue) emit(cbs ...venue.Callback) {
	for _, cb := range cbs {
		v.pushes <- cb
	}
}

func transReply(transID, orderNum string, status int, msg string) venue.Callback {
	data := map[string]any{
		"trans_id":   transID,
		"status":     status,
		"result_msg": msg,
	}
	if orderNum != "" {
		data["order_num"] = orderNum
	}
	return venue.Callback{Cmd: venue.CmdOnTransReply, Data: data}
}

func orderUpdate(o *order) venue.Callback {
	flags := int64(0)
	switch {
	case o.active:
		flags |= flagActive
	case o.balance > 0:
		flags |= flagCancelled
	}
	if o.side == schema.SideSell {
		flags |= flagSell
	}
	return venue.Callback{Cmd: venue.CmdOnOrder, Data: map[string]any{
		"order_num":   o.num,
		"trans_id":    o.transID,
		"class_code":  o.ins.ClassCode,
		"sec_code":    o.ins.SecCode,
		"flags":       flags,
		"qty":         o.qty,
		"balance":     o.balance,
		"price":       o.price.String(),
		"account":     o.account,
		"client_code": o.clientCode,
	}}
}

func levels(in []schema.Level) []any {
	out := make([]any, 0, len(in))
	for _, l := range in {
		out = append(out, map[string]any{"price": l.Price.String(), "quantity": l.Qty})
	}
	return out
}
