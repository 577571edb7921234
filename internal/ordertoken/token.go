// Package ordertoken encodes the complete state of an in-flight order into
// an opaque, HMAC-signed string that round-trips through the transport.
// Nothing about an order is stored server-side between polls; the only
// server-side trace is the consumed nonce recorded when the order closes.
package ordertoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/aelexs/numberbroker/internal/domain"
)

// MinKeyLength is the shortest accepted HS256 signing key.
const MinKeyLength = 32

// Order is the decoded token state.
type Order struct {
	Nonce       string
	UserID      domain.UserID
	Vendor      string
	AccessToken string
	Phone       string
	Service     string
	Price       decimal.Decimal
	Variant     string
	Attempt     int
	IssuedAt    time.Time
}

// NextAttempt returns a copy of o with Attempt incremented.
func (o Order) NextAttempt() Order {
	o.Attempt++
	return o
}

// claims is the wire form. Short JSON names keep the token small.
type claims struct {
	jwt.RegisteredClaims
	Vendor      string `json:"v"`
	AccessToken string `json:"at"`
	Phone       string `json:"ph"`
	Service     string `json:"svc"`
	Price       string `json:"pr"`
	Variant     string `json:"var"`
	Attempt     int    `json:"n"`
}

// Codec signs and verifies order tokens.
type Codec struct {
	key    []byte
	issuer string
	ttl    time.Duration
	clock  domain.Clock
}

// CodecConfig holds configuration for creating a Codec.
type CodecConfig struct {
	Key    domain.SecretString
	Issuer string
	// TTL bounds how long after purchase a token is honoured. Zero disables
	// expiry.
	TTL   time.Duration
	Clock domain.Clock
}

// NewCodec creates a Codec. The key must be at least MinKeyLength bytes.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if len(cfg.Key.Expose()) < MinKeyLength {
		return nil, fmt.Errorf("ordertoken: signing key shorter than %d bytes: %w", MinKeyLength, domain.ErrInvalidInput)
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("ordertoken: issuer: %w", domain.ErrInvalidInput)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Codec{
		key:    []byte(cfg.Key.Expose()),
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		clock:  clock,
	}, nil
}

// Encode signs o. A zero IssuedAt is stamped with the current time so that
// the expiry window starts at purchase and is carried through every poll.
func (c *Codec) Encode(o Order) (string, error) {
	if err := validate(o); err != nil {
		return "", err
	}

	issued := o.IssuedAt
	if issued.IsZero() {
		issued = c.clock.Now()
	}
	issued = issued.UTC().Truncate(time.Second)

	cl := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       o.Nonce,
			Subject:  o.UserID.String(),
			Issuer:   c.issuer,
			IssuedAt: jwt.NewNumericDate(issued),
		},
		Vendor:      o.Vendor,
		AccessToken: o.AccessToken,
		Phone:       o.Phone,
		Service:     o.Service,
		Price:       o.Price.String(),
		Variant:     o.Variant,
		Attempt:     o.Attempt,
	}
	if c.ttl > 0 {
		cl.ExpiresAt = jwt.NewNumericDate(issued.Add(c.ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &cl).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("ordertoken: sign: %w", err)
	}
	return signed, nil
}

// Decode verifies the signature and field shape of token. Any failure is
// reported as domain.ErrInvalidOrderToken.
func (c *Codec) Decode(token string) (Order, error) {
	var cl claims

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.clock.Now),
	}
	if c.ttl > 0 {
		opts = append(opts, jwt.WithExpirationRequired())
	}

	_, err := jwt.ParseWithClaims(token, &cl, func(*jwt.Token) (any, error) {
		return c.key, nil
	}, opts...)
	if err != nil {
		return Order{}, fmt.Errorf("%w: %w", domain.ErrInvalidOrderToken, err)
	}

	user, err := domain.NewUserID(cl.Subject)
	if err != nil {
		return Order{}, fmt.Errorf("%w: subject: %w", domain.ErrInvalidOrderToken, err)
	}
	price, err := decimal.NewFromString(cl.Price)
	if err != nil {
		return Order{}, fmt.Errorf("%w: price: %w", domain.ErrInvalidOrderToken, err)
	}
	if cl.IssuedAt == nil {
		return Order{}, fmt.Errorf("%w: missing iat", domain.ErrInvalidOrderToken)
	}

	o := Order{
		Nonce:       cl.ID,
		UserID:      user,
		Vendor:      cl.Vendor,
		AccessToken: cl.AccessToken,
		Phone:       cl.Phone,
		Service:     cl.Service,
		Price:       price,
		Variant:     cl.Variant,
		Attempt:     cl.Attempt,
		IssuedAt:    cl.IssuedAt.UTC(),
	}
	if err := validate(o); err != nil {
		return Order{}, err
	}
	return o, nil
}

var errMissingField = errors.New("missing field")

func validate(o Order) error {
	switch {
	case o.Nonce == "":
		return fmt.Errorf("%w: nonce: %w", domain.ErrInvalidOrderToken, errMissingField)
	case o.UserID.IsZero():
		return fmt.Errorf("%w: user: %w", domain.ErrInvalidOrderToken, errMissingField)
	case o.Vendor == "":
		return fmt.Errorf("%w: vendor: %w", domain.ErrInvalidOrderToken, errMissingField)
	case o.AccessToken == "":
		return fmt.Errorf("%w: access token: %w", domain.ErrInvalidOrderToken, errMissingField)
	case o.Phone == "":
		return fmt.Errorf("%w: phone: %w", domain.ErrInvalidOrderToken, errMissingField)
	case o.Service == "":
		return fmt.Errorf("%w: service: %w", domain.ErrInvalidOrderToken, errMissingField)
	case !o.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", domain.ErrInvalidOrderToken)
	case o.Attempt < 0:
		return fmt.Errorf("%w: negative attempt", domain.ErrInvalidOrderToken)
	}
	return nil
}
