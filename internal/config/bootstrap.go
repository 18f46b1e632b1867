package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInvalidBootstrap = errors.New("config: invalid bootstrap")

// Bootstrap describes the in-memory world the service runs against: tokens,
// price feeds, lending markets, the swap router and the engine itself.
// Amounts are decimal strings in each token's native units; prices are
// scaled by 1e36.
type Bootstrap struct {
	Engine   EngineSection    `toml:"engine"`
	Lender   LenderSection    `toml:"lender"`
	Router   RouterSection    `toml:"router"`
	Tokens   []TokenSection   `toml:"tokens"`
	Oracles  []OracleSection  `toml:"oracles"`
	Markets  []MarketSection  `toml:"markets"`
	Balances []BalanceSection `toml:"balances"`
}

type EngineSection struct {
	Address  string `toml:"address"`
	Owner    string `toml:"owner"`
	Treasury string `toml:"treasury"`
	YieldFee string `toml:"yield_fee"`
}

type LenderSection struct {
	Address  string `toml:"address"`
	Supplier string `toml:"supplier"`
}

type RouterSection struct {
	Address    string `toml:"address"`
	HaircutBps uint64 `toml:"haircut_bps"`
}

type TokenSection struct {
	Address  string `toml:"address"`
	Symbol   string `toml:"symbol"`
	Decimals uint8  `toml:"decimals"`
}

type OracleSection struct {
	Address string `toml:"address"`
	Price   string `toml:"price"`
}

type MarketSection struct {
	Collateral string `toml:"collateral"`
	Loan       string `toml:"loan"`
	Oracle     string `toml:"oracle"`
	Irm        string `toml:"irm"`
	Lltv       string `toml:"lltv"`
	BorrowRate string `toml:"borrow_rate"` // per second, WAD
	Liquidity  string `toml:"liquidity"`   // loan token supplied by the lender's supplier
	Register   bool   `toml:"register"`    // enable for leverage at startup
}

// BalanceSection mints Amount of Token to Account at startup.
type BalanceSection struct {
	Token   string `toml:"token"`
	Account string `toml:"account"`
	Amount  string `toml:"amount"`
}

// LoadBootstrap decodes and validates a bootstrap file. Unknown keys are
// rejected so typos do not silently drop configuration.
func LoadBootstrap(path string) (*Bootstrap, error) {
	var b Bootstrap
	meta, err := toml.DecodeFile(path, &b)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return finish(&b, meta)
}

// ParseBootstrap is LoadBootstrap over an in-memory document.
func ParseBootstrap(doc string) (*Bootstrap, error) {
	var b Bootstrap
	meta, err := toml.Decode(doc, &b)
	if err != nil {
		return nil, fmt.Errorf("decode bootstrap: %w", err)
	}
	return finish(&b, meta)
}

func finish(b *Bootstrap, meta toml.MetaData) (*Bootstrap, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidBootstrap, strings.Join(keys, ", "))
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks every address and amount parses.
func (b *Bootstrap) Validate() error {
	addrs := map[string]string{
		"engine.address":  b.Engine.Address,
		"engine.owner":    b.Engine.Owner,
		"engine.treasury": b.Engine.Treasury,
		"lender.address":  b.Lender.Address,
		"lender.supplier": b.Lender.Supplier,
		"router.address":  b.Router.Address,
	}
	for i, t := range b.Tokens {
		addrs[fmt.Sprintf("tokens[%d].address", i)] = t.Address
		if t.Symbol == "" {
			return fmt.Errorf("%w: tokens[%d].symbol is empty", ErrInvalidBootstrap, i)
		}
	}
	for i, o := range b.Oracles {
		addrs[fmt.Sprintf("oracles[%d].address", i)] = o.Address
		if _, err := ParseAmount(o.Price); err != nil {
			return fmt.Errorf("%w: oracles[%d].price: %v", ErrInvalidBootstrap, i, err)
		}
	}
	for i, m := range b.Markets {
		addrs[fmt.Sprintf("markets[%d].collateral", i)] = m.Collateral
		addrs[fmt.Sprintf("markets[%d].loan", i)] = m.Loan
		addrs[fmt.Sprintf("markets[%d].oracle", i)] = m.Oracle
		if m.Lltv == "" {
			return fmt.Errorf("%w: markets[%d].lltv is required", ErrInvalidBootstrap, i)
		}
		for field, v := range map[string]string{"lltv": m.Lltv, "borrow_rate": m.BorrowRate, "liquidity": m.Liquidity} {
			if _, err := ParseAmount(v); err != nil {
				return fmt.Errorf("%w: markets[%d].%s: %v", ErrInvalidBootstrap, i, field, err)
			}
		}
		if m.Irm != "" && !common.IsHexAddress(m.Irm) {
			return fmt.Errorf("%w: markets[%d].irm: %q is not an address", ErrInvalidBootstrap, i, m.Irm)
		}
	}
	for i, bal := range b.Balances {
		addrs[fmt.Sprintf("balances[%d].token", i)] = bal.Token
		addrs[fmt.Sprintf("balances[%d].account", i)] = bal.Account
		if _, err := ParseAmount(bal.Amount); err != nil {
			return fmt.Errorf("%w: balances[%d].amount: %v", ErrInvalidBootstrap, i, err)
		}
	}
	for field, v := range addrs {
		if !common.IsHexAddress(v) {
			return fmt.Errorf("%w: %s: %q is not an address", ErrInvalidBootstrap, field, v)
		}
	}
	if _, err := ParseAmount(b.Engine.YieldFee); err != nil {
		return fmt.Errorf("%w: engine.yield_fee: %v", ErrInvalidBootstrap, err)
	}
	return nil
}

// ParseAmount parses a base-10 amount; empty means zero.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if s == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(s)
}

// Address parses a validated address field.
func Address(s string) common.Address {
	return common.HexToAddress(s)
}
