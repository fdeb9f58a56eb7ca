// Package normalize maps loosely structured aggregator payloads onto a
// canonical holdings shape.
//
// Every function here is total: unknown shapes degrade to empty values and the
// original payload is kept on the result for inspection.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/shopspring/decimal"
)

// PositionRecord is the canonical view of one holding
type PositionRecord struct {
	Ticker       string              `json:"ticker"`
	SecurityName string              `json:"securityName"`
	Quantity     decimal.NullDecimal `json:"quantity"`
	Price        decimal.NullDecimal `json:"price"`
	Raw          any                 `json:"raw,omitempty"`
}

// AccountRecord is the canonical view of one brokerage account
type AccountRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Number      string `json:"number"`
	Institution string `json:"institution"`
	Raw         any    `json:"raw,omitempty"`
}

// Result is the normalized form of a holdings payload
type Result struct {
	Positions []PositionRecord `json:"positions"`
	Accounts  []AccountRecord  `json:"accounts"`
	Raw       any              `json:"raw"`
}

var (
	accountContainers = compilePaths(
		"accounts",
		"brokerage_accounts",
		"brokerageAccounts",
		"data.accounts",
		"account",
	)

	positionContainers = compilePaths(
		"positions",
		"holdings",
		"securities",
		"data.positions",
		"data.holdings",
		"data.securities",
		"data",
		"$",
	)

	accountIDAccessors          = stringAccessors("id", "account_id", "accountId")
	accountNameAccessors        = stringAccessors("name", "account_name", "accountName")
	accountNumberAccessors      = stringAccessors("number", "account_number", "accountNumber")
	accountInstitutionAccessors = stringAccessors("institution_name", "institutionName", "institution", "brokerage.name")
)

// Normalize extracts positions and accounts from raw. Raw is carried over
// untouched, so normalizing a result's Raw again yields the same records.
func Normalize(raw any) Result {
	doc := toGeneric(raw)

	result := Result{
		Positions: []PositionRecord{},
		Accounts:  []AccountRecord{},
		Raw:       raw,
	}

	for _, item := range firstSequence(doc, accountContainers, true) {
		result.Accounts = append(result.Accounts, NormalizeAccount(item))
	}
	for _, item := range firstSequence(doc, positionContainers, false) {
		result.Positions = append(result.Positions, NormalizePosition(item))
	}

	return result
}

// NormalizeJSON decodes body and normalizes it. A body that is not JSON yields
// empty records with the body text as Raw.
func NormalizeJSON(body []byte) Result {
	doc, err := decode(body)
	if err != nil {
		return Result{
			Positions: []PositionRecord{},
			Accounts:  []AccountRecord{},
			Raw:       string(body),
		}
	}
	return Normalize(doc)
}

// NormalizeAccountList resolves an accounts listing, which may be a bare
// array or any of the container shapes Normalize understands.
func NormalizeAccountList(raw any) []AccountRecord {
	doc := toGeneric(raw)
	items, ok := doc.([]any)
	if !ok {
		return Normalize(raw).Accounts
	}
	out := make([]AccountRecord, 0, len(items))
	for _, item := range items {
		out = append(out, NormalizeAccount(item))
	}
	return out
}

// NormalizePosition resolves a single position record
func NormalizePosition(record any) PositionRecord {
	doc := toGeneric(record)
	return PositionRecord{
		Ticker:       FormatTicker(doc),
		SecurityName: FormatSecurityName(doc),
		Quantity:     toNull(Resolve(doc, quantityAccessors...)),
		Price:        toNull(Resolve(doc, priceAccessors...)),
		Raw:          record,
	}
}

// NormalizeAccount resolves a single account record
func NormalizeAccount(record any) AccountRecord {
	doc := toGeneric(record)
	id, _ := Resolve(doc, accountIDAccessors...)
	name, _ := Resolve(doc, accountNameAccessors...)
	number, _ := Resolve(doc, accountNumberAccessors...)
	institution, _ := Resolve(doc, accountInstitutionAccessors...)
	return AccountRecord{
		ID:          id,
		Name:        name,
		Number:      number,
		Institution: institution,
		Raw:         record,
	}
}

// firstSequence returns the first present container. A present container that
// is not a list yields nothing, except that a lone object is wrapped when
// wrapObject is set.
func firstSequence(doc any, containers []Path, wrapObject bool) []any {
	for _, p := range containers {
		found, ok := p.Lookup(doc)
		if !ok {
			continue
		}
		switch v := found.(type) {
		case []any:
			return v
		case map[string]any:
			if wrapObject {
				return []any{v}
			}
		}
		return nil
	}
	return nil
}

// toGeneric converts typed values (structs, typed maps) to the
// map[string]any / []any form the path lookups understand.
func toGeneric(v any) any {
	switch v.(type) {
	case nil, map[string]any, []any, string, bool, float64, json.Number:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	doc, err := decode(b)
	if err != nil {
		return nil
	}
	return doc
}

var errTrailingData = errors.New("trailing data after JSON value")

func decode(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errTrailingData
	}
	return doc, nil
}
