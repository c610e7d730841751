package feed

import (
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/wealthwatch/streamgate/errs"
)

// Feed names the client must hold subscriptions for before the session is
// considered live.
const (
	FeedOpenPositions = "open_positions"
	FeedBalances      = "balances"
)

// RequiredFeeds returns the feed names gating the subscribed status.
func RequiredFeeds() []string {
	return []string{FeedOpenPositions, FeedBalances}
}

// EnvelopeKind tags a decoded inbound frame.
type EnvelopeKind uint8

const (
	// EnvelopeUnrecognized marks frames the dispatcher ignores.
	EnvelopeUnrecognized EnvelopeKind = iota
	// EnvelopeChallenge carries the server-issued handshake challenge.
	EnvelopeChallenge
	// EnvelopeSubscribed confirms a single feed subscription.
	EnvelopeSubscribed
	// EnvelopePositions carries a full open-positions snapshot.
	EnvelopePositions
	// EnvelopeBalances carries a full account-balances snapshot.
	EnvelopeBalances
	// EnvelopeError carries an exchange-side error message.
	EnvelopeError
)

// Envelope is the typed representation of one inbound wire message.
type Envelope struct {
	Kind      EnvelopeKind
	Challenge string
	Feed      string
	Positions []Position
	Balances  *Balances
	ErrMsg    string
}

// Position is a normalized open-position record. Pointer fields are absent
// when the exchange omitted them; absence is distinct from zero.
type Position struct {
	Instrument              string
	Size                    decimal.Decimal
	EntryPrice              *decimal.Decimal
	MarkPrice               *decimal.Decimal
	PnL                     *decimal.Decimal
	InitialMargin           *decimal.Decimal
	MaintenanceMargin       *decimal.Decimal
	InitialMarginWithOrders *decimal.Decimal
	EffectiveLeverage       *decimal.Decimal
}

// Balances is a normalized account-balance record, replaced wholesale on
// every balances-feed message.
type Balances struct {
	Currency          string
	CashBalance       *decimal.Decimal
	PortfolioValue    *decimal.Decimal
	CollateralValue   *decimal.Decimal
	AvailableMargin   *decimal.Decimal
	InitialMargin     *decimal.Decimal
	MaintenanceMargin *decimal.Decimal
	PnL               *decimal.Decimal
	UnrealizedFunding *decimal.Decimal
	TotalUnrealized   *decimal.Decimal
	MarginEquity      *decimal.Decimal
}

type wireFrame struct {
	Event     string         `json:"event"`
	Feed      string         `json:"feed"`
	Message   string         `json:"message"`
	Error     string         `json:"error"`
	Positions []wirePosition `json:"positions"`
	Data      *wireBalances  `json:"data"`
}

type wirePosition struct {
	Instrument              string           `json:"instrument"`
	Balance                 *decimal.Decimal `json:"balance"`
	EntryPrice              *decimal.Decimal `json:"entry_price"`
	MarkPrice               *decimal.Decimal `json:"mark_price"`
	PnL                     *decimal.Decimal `json:"pnl"`
	InitialMargin           *decimal.Decimal `json:"initial_margin"`
	MaintenanceMargin       *decimal.Decimal `json:"maintenance_margin"`
	InitialMarginWithOrders *decimal.Decimal `json:"initial_margin_with_orders"`
	EffectiveLeverage       *decimal.Decimal `json:"effective_leverage"`
}

type wireBalances struct {
	Currency          string           `json:"currency"`
	Balance           *decimal.Decimal `json:"balance"`
	PortfolioValue    *decimal.Decimal `json:"portfolio_value"`
	CollateralValue   *decimal.Decimal `json:"collateral_value"`
	Available         *decimal.Decimal `json:"available"`
	InitialMargin     *decimal.Decimal `json:"initial_margin"`
	MaintenanceMargin *decimal.Decimal `json:"maintenance_margin"`
	PnL               *decimal.Decimal `json:"pnl"`
	UnrealizedFunding *decimal.Decimal `json:"unrealized_funding"`
	TotalUnrealized   *decimal.Decimal `json:"total_unrealized"`
	MarginEquity      *decimal.Decimal `json:"margin_equity"`
}

type challengeRequest struct {
	Event  string `json:"event"`
	APIKey string `json:"api_key"`
}

type subscribeRequest struct {
	Event             string `json:"event"`
	Feed              string `json:"feed"`
	APIKey            string `json:"api_key"`
	OriginalChallenge string `json:"original_challenge"`
	SignedChallenge   string `json:"signed_challenge"`
}

// EncodeChallengeRequest serializes the handshake opener.
func EncodeChallengeRequest(apiKey string) ([]byte, error) {
	data, err := json.Marshal(challengeRequest{Event: "challenge", APIKey: apiKey})
	if err != nil {
		return nil, errs.New("feed/codec", errs.CodeProtocol,
			errs.WithMessage("marshal challenge request"), errs.WithCause(err))
	}
	return data, nil
}

// EncodeSubscribeRequest serializes one signed feed subscription.
func EncodeSubscribeRequest(feedName, apiKey, challenge, signature string) ([]byte, error) {
	data, err := json.Marshal(subscribeRequest{
		Event:             "subscribe",
		Feed:              feedName,
		APIKey:            apiKey,
		OriginalChallenge: challenge,
		SignedChallenge:   signature,
	})
	if err != nil {
		return nil, errs.New("feed/codec", errs.CodeProtocol,
			errs.WithMessage("marshal subscribe request"), errs.WithCause(err))
	}
	return data, nil
}

// Decode parses a raw text frame into a typed envelope. Field-name
// translation from the wire format happens here and only here. A frame that
// cannot be parsed returns a protocol error; the caller drops it without
// touching the connection.
func Decode(raw []byte) (Envelope, error) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Envelope{}, errs.New("feed/codec", errs.CodeProtocol,
			errs.WithMessage("malformed frame"), errs.WithCause(err))
	}

	switch {
	case frame.Event == "challenge":
		return Envelope{Kind: EnvelopeChallenge, Challenge: frame.Message}, nil
	case frame.Event == "subscribed":
		return Envelope{Kind: EnvelopeSubscribed, Feed: strings.TrimSpace(frame.Feed)}, nil
	case frame.Event == "error" || frame.Error != "":
		msg := frame.Message
		if msg == "" {
			msg = frame.Error
		}
		return Envelope{Kind: EnvelopeError, ErrMsg: msg}, nil
	case frame.Feed == FeedOpenPositions:
		positions, err := normalizePositions(frame.Positions)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Kind: EnvelopePositions, Feed: frame.Feed, Positions: positions}, nil
	case frame.Feed == FeedBalances && frame.Data != nil:
		return Envelope{Kind: EnvelopeBalances, Feed: frame.Feed, Balances: normalizeBalances(frame.Data)}, nil
	default:
		return Envelope{Kind: EnvelopeUnrecognized}, nil
	}
}

func normalizePositions(wire []wirePosition) ([]Position, error) {
	positions := make([]Position, 0, len(wire))
	for _, p := range wire {
		if strings.TrimSpace(p.Instrument) == "" {
			return nil, errs.New("feed/codec", errs.CodeProtocol,
				errs.WithMessage("position record missing instrument"))
		}
		if p.Balance == nil {
			return nil, errs.New("feed/codec", errs.CodeProtocol,
				errs.WithMessage("position record missing size"))
		}
		positions = append(positions, Position{
			Instrument:              p.Instrument,
			Size:                    *p.Balance,
			EntryPrice:              p.EntryPrice,
			MarkPrice:               p.MarkPrice,
			PnL:                     p.PnL,
			InitialMargin:           p.InitialMargin,
			MaintenanceMargin:       p.MaintenanceMargin,
			InitialMarginWithOrders: p.InitialMarginWithOrders,
			EffectiveLeverage:       p.EffectiveLeverage,
		})
	}
	return positions, nil
}

func normalizeBalances(wire *wireBalances) *Balances {
	return &Balances{
		Currency:          wire.Currency,
		CashBalance:       wire.Balance,
		PortfolioValue:    wire.PortfolioValue,
		CollateralValue:   wire.CollateralValue,
		AvailableMargin:   wire.Available,
		InitialMargin:     wire.InitialMargin,
		MaintenanceMargin: wire.MaintenanceMargin,
		PnL:               wire.PnL,
		UnrealizedFunding: wire.UnrealizedFunding,
		TotalUnrealized:   wire.TotalUnrealized,
		MarginEquity:      wire.MarginEquity,
	}
}
