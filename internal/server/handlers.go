package server

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/payproc/payprocd/internal/currency"
	"github.com/payproc/payprocd/internal/journal"
	"github.com/payproc/payprocd/internal/keyvalue"
	"github.com/payproc/payprocd/internal/logger"
	"github.com/payproc/payprocd/internal/payerr"
	"github.com/payproc/payprocd/internal/protocol"
)

// connctx carries one parsed request through its handler.
type connctx struct {
	srv  *Server
	ctx  context.Context
	w    *protocol.Writer
	log  zerolog.Logger
	uid  int
	name string
	args string
	dict *keyvalue.Dict

	// after runs once the reply is out and the socket is closed.
	after func()
}

// command binds a wire name to its handler.  Handlers write the complete
// reply except the terminating empty line and return the error for
// logging and metrics.
type command struct {
	name  string
	admin bool
	run   func(*connctx) error
}

var commands []command

func init() {
	commands = []command{
		{"SESSION", false, cmdSession},
		{"CARDTOKEN", false, cmdCardToken},
		{"CHARGECARD", false, cmdChargeCard},
		{"PPCHECKOUT", false, cmdPPCheckout},
		{"SEPAPREORDER", false, cmdSepaPreorder},
		{"CHECKAMOUNT", false, cmdCheckAmount},
		{"PPIPNHD", false, cmdPPIpnHd},
		{"GETINFO", false, cmdGetInfo},
		{"PING", false, cmdPing},
		{"COMMITPREORDER", true, cmdCommitPreorder},
		{"GETPREORDER", true, cmdGetPreorder},
		{"LISTPREORDER", true, cmdListPreorder},
		{"SHUTDOWN", true, cmdShutdown},
		{"HELP", false, cmdHelp},
	}
}

// status writes the OK or ERR line.  On error the failure details the
// gateway code put into the dictionary follow as data lines.
func (c *connctx) status(err error) {
	if err == nil {
		c.w.OK("")
		return
	}
	e := payerr.From(err)
	c.w.Err(int(e.Code), e.Desc)
	if v, ok := c.dict.Lookup("failure"); ok {
		c.w.DataLine("failure", v)
	}
	if v, ok := c.dict.Lookup("failure-mesg"); ok {
		c.w.DataLine("failure-mesg", v)
	}
}

// echoVisible writes the externally visible dictionary entries, that is
// those whose name starts with a capital letter.
func (c *connctx) echoVisible() {
	for _, it := range c.dict.Items() {
		if keyvalue.IsVisibleName(it.Name) {
			c.w.DataLine(it.Name, it.Value)
		}
	}
}

// echoInternal writes one internal entry, if present.
func (c *connctx) echoInternal(name string) {
	if v, ok := c.dict.Lookup(name); ok {
		c.w.DataLine(name, v)
	}
}

// unknownSub reports a bad sub-command and lists the supported ones as
// comments.
func (c *connctx) unknownSub(subs ...string) error {
	err := payerr.New(payerr.CodeUnknownCommand, "Unknown sub-command")
	c.w.Err(int(err.Code), err.Desc)
	c.w.Comment("Supported sub-commands are:")
	for _, s := range subs {
		c.w.Comment("  " + s)
	}
	return err
}

// cmdUnknown reports an unknown command, echoing the command word and
// all data items for the client's diagnostics.
func cmdUnknown(c *connctx) {
	e := payerr.New(payerr.CodeUnknownCommand, "")
	c.w.Err(int(e.Code), e.Desc)
	c.w.DataLine("_cmd", c.name)
	for _, it := range c.dict.Items() {
		c.w.DataLine(it.Name, it.Value)
	}
}

// cmdPing echoes its arguments, or "pong".
func cmdPing(c *connctx) error {
	if c.args != "" {
		c.w.OK(c.args)
	} else {
		c.w.OK("pong")
	}
	return nil
}

func cmdHelp(c *connctx) error {
	c.w.OK("")
	for _, cmd := range commands {
		c.w.Comment(cmd.name)
	}
	return nil
}

func cmdShutdown(c *connctx) error {
	c.w.OK("closing down")
	if c.srv.p.Shutdown != nil {
		c.after = c.srv.p.Shutdown
	}
	return nil
}

func cmdGetInfo(c *connctx) error {
	sub, _ := splitCommand(c.args)
	switch strings.ToLower(sub) {
	case "version":
		c.w.OK(c.srv.opts.Version)
	case "pid":
		c.w.OK(strconv.Itoa(os.Getpid()))
	case "live":
		if !c.srv.opts.Live {
			err := payerr.New(payerr.CodeNotLive, "")
			c.status(err)
			return err
		}
		c.w.OK("")
	case "list-currencies":
		c.w.OK("")
		for _, info := range currency.List() {
			var rate float64
			if c.srv.p.Rates != nil {
				rate = c.srv.p.Rates.Get(info.Code)
			}
			c.w.Comment(fmt.Sprintf("%s %11.4f - %s", info.Code, rate, info.Desc))
		}
	default:
		return c.unknownSub("version", "pid", "live", "list-currencies")
	}
	return nil
}

// sessionErr maps store errors to the stable client facing texts.  The
// texts do not distinguish sessions from aliases so an attacker probing
// ids learns nothing from the wording.
func sessionErr(err error) error {
	if err == nil {
		return nil
	}
	e := payerr.From(err)
	switch e.Code {
	case payerr.CodeLimitReached:
		return payerr.New(e.Code, "Too many active sessions or too many aliases for a session")
	case payerr.CodeNotFound:
		return payerr.New(e.Code, "No such session or alias or session timed out")
	case payerr.CodeInvName:
		return payerr.New(e.Code, "Invalid session or alias id")
	}
	return e
}

func cmdSession(c *connctx) error {
	st := c.srv.p.Sessions
	fields := strings.Fields(c.args)
	sub := ""
	if len(fields) > 0 {
		sub = strings.ToLower(fields[0])
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch sub {
	case "create":
		ttl := 0
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 0 {
				err := payerr.New(payerr.CodeInvValue, "TTL must be a number")
				c.status(err)
				return err
			}
			ttl = n
		}
		sessid, err := st.Create(ttl, c.dict)
		if err = sessionErr(err); err != nil {
			c.status(err)
			return err
		}
		c.w.OK("")
		c.w.DataLine("_SESSID", sessid)
		return nil

	case "get":
		d, err := st.Get(arg)
		if err = sessionErr(err); err != nil {
			c.status(err)
			return err
		}
		c.w.OK("")
		for _, it := range d.Items() {
			if keyvalue.IsVisibleName(it.Name) {
				c.w.DataLine(it.Name, it.Value)
			}
		}
		return nil

	case "put":
		err := st.Put(arg, c.dict)
		if e := payerr.From(err); e != nil && e.Code == payerr.CodeOutOfMemory {
			// A session we cannot update anymore is useless; get
			// rid of it so the client starts over cleanly.
			st.Destroy(arg)
		}
		if err = sessionErr(err); err != nil {
			c.status(err)
			return err
		}
		c.w.OK("")
		return nil

	case "destroy":
		err := sessionErr(st.Destroy(arg))
		c.status(err)
		return err

	case "alias":
		aliasid, err := st.CreateAlias(arg)
		if err = sessionErr(err); err != nil {
			c.status(err)
			return err
		}
		c.w.OK("")
		c.w.DataLine("_ALIASID", aliasid)
		return nil

	case "dealias":
		err := sessionErr(st.DestroyAlias(arg))
		c.status(err)
		return err

	case "sessid":
		sessid, err := st.SessID(arg)
		if err = sessionErr(err); err != nil {
			c.status(err)
			return err
		}
		c.w.OK("")
		c.w.DataLine("_SESSID", sessid)
		return nil
	}
	return c.unknownSub("create [TTL]", "get", "put", "destroy",
		"alias", "dealias", "sessid")
}

// stripRawCardData removes the card fields from the request dictionary.
// They must never be echoed back or end up in a journal.
func stripRawCardData(dict *keyvalue.Dict) {
	dict.Delete("Number")
	dict.Delete("Exp-Year")
	dict.Delete("Exp-Month")
	dict.Delete("Cvc")
}

// mergeInto copies all entries of src into dict.
func mergeInto(dict, src *keyvalue.Dict) {
	for _, it := range src.Items() {
		dict.Put(it.Name, it.Value)
	}
}

func cmdCardToken(c *connctx) error {
	var err error
	if c.srv.p.Stripe == nil {
		err = payerr.New(payerr.CodeGateway, "Stripe not configured")
	} else {
		var result *keyvalue.Dict
		result, err = c.srv.p.Stripe.CreateCardToken(c.ctx, c.dict)
		if result != nil {
			mergeInto(c.dict, result)
		}
	}
	stripRawCardData(c.dict)
	c.status(err)
	c.echoVisible()
	return err
}

// validateAmount checks Currency and Amount and stores the smallest
// currency unit value as _amount.
func (c *connctx) validateAmount() (decdigs int, cents uint, err error) {
	decdigs, ok := currency.Valid(c.dict.Get("Currency"))
	if !ok {
		return 0, 0, payerr.New(payerr.CodeInvValue, "Currency not supported")
	}
	cents = currency.ConvertAmount(c.dict.Get("Amount"), decdigs)
	if cents == 0 {
		return 0, 0, payerr.New(payerr.CodeInvValue, "Amount missing or invalid")
	}
	c.dict.Putf("_amount", "%d", cents)
	return decdigs, cents, nil
}

func cmdChargeCard(c *connctx) error {
	err := c.chargeCard()
	stripRawCardData(c.dict)
	c.status(err)
	c.echoVisible()
	if err == nil {
		c.echoInternal("_timestamp")
	}
	return err
}

func (c *connctx) chargeCard() error {
	if c.srv.p.Stripe == nil {
		return payerr.New(payerr.CodeGateway, "Stripe not configured")
	}
	decdigs, cents, err := c.validateAmount()
	if err != nil {
		return err
	}
	if c.dict.Get("Card-Token") == "" {
		return payerr.New(payerr.CodeMissingValue, "Card-Token missing")
	}
	recur := 0
	if v, ok := c.dict.Lookup("Recur"); ok && v != "" {
		recur, err = strconv.Atoi(v)
		if err != nil {
			return payerr.New(payerr.CodeInvValue, "Recur not a number")
		}
	}

	if recur == 0 {
		result, err := c.srv.p.Stripe.ChargeCard(c.ctx, c.dict)
		if result != nil {
			mergeInto(c.dict, result)
		}
		if err != nil {
			return err
		}
	} else {
		if err := c.chargeRecurring(recur, cents); err != nil {
			return err
		}
	}

	// Normalize the echoed Amount from the actually charged value.
	c.dict.Put("Amount",
		currency.ReconvertAmount(uint(c.dict.GetInt("_amount")), decdigs))
	c.srv.p.Journal.StoreChargeRecord(c.dict, journal.ServiceStripe)
	return nil
}

// chargeRecurring sets up the plan, customer and subscription chain for
// a recurring donation and records the new account.
func (c *connctx) chargeRecurring(recur int, cents uint) error {
	if c.srv.p.Accounts == nil {
		return payerr.New(payerr.CodeGeneral, "account store not configured")
	}
	email := c.dict.Get("Email")
	if email == "" {
		return payerr.New(payerr.CodeMissingValue, "Email required for recurring donations")
	}

	planID, err := c.srv.p.Stripe.FindOrCreatePlan(c.ctx, recur, cents, c.dict.Get("Currency"))
	if err != nil {
		return err
	}
	accountID, err := c.srv.p.Accounts.NewRecord()
	if err != nil {
		return err
	}
	customerID, live, err := c.srv.p.Stripe.CreateCustomer(c.ctx,
		c.dict.Get("Card-Token"), email, accountID)
	if err != nil {
		return err
	}
	subID, err := c.srv.p.Stripe.CreateSubscription(c.ctx, customerID, planID)
	if err != nil {
		return err
	}
	if err := c.srv.p.Accounts.Update(accountID, customerID, email); err != nil {
		return err
	}

	c.dict.Put("Charge-Id", subID)
	c.dict.Put("Recur-Id", subID)
	c.dict.Put("Account-Id", accountID)
	if live {
		c.dict.Put("Live", "t")
	} else {
		c.dict.Put("Live", "f")
	}
	c.log.Info().Str("account", accountID).Int("recur", recur).
		Str("email", logger.RedactEmail(email)).Msg("recurring donation set up")
	return nil
}

func cmdPPCheckout(c *connctx) error {
	sub, _ := splitCommand(c.args)
	switch strings.ToLower(sub) {
	case "prepare":
		return c.ppPrepare()
	case "execute":
		return c.ppExecute()
	}
	return c.unknownSub("prepare", "execute")
}

func (c *connctx) ppPrepare() error {
	err := func() error {
		if c.srv.p.Paypal == nil {
			return payerr.New(payerr.CodeGateway, "PayPal not configured")
		}
		decdigs, cents, err := c.validateAmount()
		if err != nil {
			return err
		}
		c.dict.Put("Amount", currency.ReconvertAmount(cents, decdigs))
		return c.srv.p.Paypal.CheckoutPrepare(c.ctx, c.dict, c.srv.p.Sessions, c.srv.p.Accounts)
	}()
	c.status(err)
	if err != nil {
		return err
	}
	// Only the redirect target and a fresh session id go back; the rest
	// of the state is parked in the session until execute.
	c.w.DataLine("Redirect-Url", c.dict.Get("Redirect-Url"))
	c.echoInternal("_SESSID")
	return nil
}

func (c *connctx) ppExecute() error {
	var err error
	if c.srv.p.Paypal == nil {
		err = payerr.New(payerr.CodeGateway, "PayPal not configured")
	} else {
		err = c.srv.p.Paypal.CheckoutExecute(c.ctx, c.dict, c.srv.p.Sessions, c.srv.p.Accounts)
	}
	c.status(err)
	if err != nil {
		return err
	}
	c.srv.p.Journal.StoreChargeRecord(c.dict, journal.ServicePayPal)
	for _, name := range []string{"Charge-Id", "Live", "Email", "Currency", "Amount"} {
		if v, ok := c.dict.Lookup(name); ok {
			c.w.DataLine(name, v)
		}
	}
	c.echoInternal("_timestamp")
	return nil
}

// cmdPPIpnHd acknowledges an instant payment notification right away and
// verifies it after the socket is closed.  PayPal retries unacknowledged
// notifications, so the ack must never wait on the verification call.
func cmdPPIpnHd(c *connctx) error {
	request := c.dict.Get("Request")
	c.w.OK("")

	srv := c.srv
	log := c.log
	ctx := c.ctx
	c.after = func() {
		if srv.p.Paypal == nil {
			log.Warn().Msg("IPN received but PayPal not configured")
			return
		}
		if err := srv.p.Paypal.ProcessIPN(ctx, request); err != nil {
			log.Warn().Str("err", payerr.From(err).Error()).Msg("IPN not verified")
		} else {
			log.Info().Msg("IPN verified")
		}
	}
	return nil
}

func cmdCheckAmount(c *connctx) error {
	err := c.checkAmount()
	c.status(err)
	if err == nil {
		c.echoInternal("_amount")
	}
	c.echoVisible()
	return err
}

func (c *connctx) checkAmount() error {
	decdigs, cents, err := c.validateAmount()
	if err != nil {
		return err
	}
	c.dict.Put("Amount", currency.ReconvertAmount(cents, decdigs))
	if c.srv.p.Rates != nil {
		if euro := c.srv.p.Rates.ConvertToEuro(c.dict.Get("Currency"), c.dict.Get("Amount")); euro != "" {
			c.dict.Put("Euro", euro)
		}
	}
	return nil
}

// checkEuroCurrency applies the SEPA rule: the currency defaults to EUR
// and nothing else is accepted.
func checkEuroCurrency(dict *keyvalue.Dict) error {
	v, ok := dict.Lookup("Currency")
	if !ok {
		dict.Put("Currency", "EUR")
		return nil
	}
	if !strings.EqualFold(v, "EUR") {
		return payerr.New(payerr.CodeInvValue, `Currency must be "EUR" if given`)
	}
	return nil
}

func cmdSepaPreorder(c *connctx) error {
	err := c.sepaPreorder()
	c.status(err)
	c.echoVisible()
	return err
}

func (c *connctx) sepaPreorder() error {
	if c.srv.p.Preorders == nil {
		return payerr.New(payerr.CodeGeneral, "preorder store not configured")
	}
	if err := checkEuroCurrency(c.dict); err != nil {
		return err
	}
	cents := currency.ConvertAmount(c.dict.Get("Amount"), 2)
	if cents == 0 {
		return payerr.New(payerr.CodeInvValue, "Amount missing or invalid")
	}
	c.dict.Putf("_amount", "%d", cents)
	c.dict.Put("Amount", currency.ReconvertAmount(cents, 2))
	return c.srv.p.Preorders.Insert(c.dict)
}

func cmdCommitPreorder(c *connctx) error {
	err := c.commitPreorder()
	c.status(err)
	c.echoVisible()
	if err == nil {
		c.echoInternal("_timestamp")
	}
	return err
}

func (c *connctx) commitPreorder() error {
	if c.srv.p.Preorders == nil {
		return payerr.New(payerr.CodeGeneral, "preorder store not configured")
	}
	ref := c.dict.Get("Sepa-Ref")
	if ref == "" {
		return payerr.New(payerr.CodeMissingValue, "Sepa-Ref missing")
	}
	if err := checkEuroCurrency(c.dict); err != nil {
		return err
	}
	received := ""
	if c.dict.Get("Amount") != "" {
		cents := currency.ConvertAmount(c.dict.Get("Amount"), 2)
		if cents == 0 {
			return payerr.New(payerr.CodeInvValue, "Amount not valid")
		}
		received = currency.ReconvertAmount(cents, 2)
		c.dict.Put("Amount", received)
	}

	if err := c.srv.p.Preorders.Update(ref, c.dict); err != nil {
		return err
	}
	// The payment is booked even when the received amount differs from
	// the preordered one; the operator sees the discrepancy and sorts
	// it out by hand.
	if received != "" && received != c.dict.Get("Amount") {
		c.dict.Put("Warning", "amount mismatch")
		c.log.Warn().Str("ref", ref).Str("received", received).
			Str("expected", c.dict.Get("Amount")).Msg("preorder amount mismatch")
	}
	c.srv.p.Journal.StoreChargeRecord(c.dict, journal.ServiceSEPA)
	return nil
}

func cmdGetPreorder(c *connctx) error {
	err := c.getPreorder()
	c.status(err)
	c.echoVisible()
	return err
}

func (c *connctx) getPreorder() error {
	if c.srv.p.Preorders == nil {
		return payerr.New(payerr.CodeGeneral, "preorder store not configured")
	}
	ref := c.dict.Get("Sepa-Ref")
	if ref == "" {
		return payerr.New(payerr.CodeMissingValue, "Sepa-Ref missing")
	}
	return c.srv.p.Preorders.Get(ref, c.dict)
}

func cmdListPreorder(c *connctx) error {
	err := c.listPreorder()
	c.status(err)
	c.echoVisible()
	return err
}

func (c *connctx) listPreorder() error {
	if c.srv.p.Preorders == nil {
		return payerr.New(payerr.CodeGeneral, "preorder store not configured")
	}
	refnn := 0
	if v := c.dict.Get("Refnn"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return payerr.New(payerr.CodeInvValue, "Refnn not a number")
		}
		refnn = n
	}
	count, err := c.srv.p.Preorders.List(refnn, c.dict)
	if err != nil {
		return err
	}
	c.dict.Putf("Count", "%d", count)
	return nil
}
