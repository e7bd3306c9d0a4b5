// Package ach renders settlement candidates into the bank's fixed-field
// batch payment file.
//
// One line per beneficiary, eight ';'-separated fields, '\n'-terminated, no
// header or footer:
//
//	beneficiaryId;beneficiaryName;routeCode;accountNumber;accountTypeCode;amount;C;reference
package ach

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/brokerpay/internal/bankfield"
	"github.com/smallbiznis/brokerpay/internal/config"
	"go.uber.org/zap"
)

const (
	PaymentTypeCredit     = "C"
	MaxBeneficiaryNameLen = 22
	MaxBeneficiaryIDLen   = 15

	fieldSeparator = ";"
	lineTerminator = "\n"
)

// Validation codes reported per rejected candidate.
const (
	ErrCodeMissingRoute       = "missing_route_code"
	ErrCodeMissingAccount     = "missing_account_number"
	ErrCodeMissingAccountType = "missing_account_type"
	ErrCodeMissingName        = "missing_beneficiary_name"
)

// Candidate is one broker's net payable amount plus banking data.
type Candidate struct {
	BrokerID        snowflake.ID
	BrokerName      string
	BeneficiaryName string
	RouteCode       string
	AccountNumber   string
	AccountTypeCode string
	Amount          decimal.Decimal
}

// Record is a projection rendered into one file line. It is never persisted.
type Record struct {
	SequenceID      string       `json:"sequence_id"`
	BeneficiaryID   string       `json:"beneficiary_id"`
	BrokerID        snowflake.ID `json:"broker_id"`
	BeneficiaryName string       `json:"beneficiary_name"`
	RouteCode       string       `json:"route_code"`
	AccountNumber   string       `json:"account_number"`
	AccountTypeCode string       `json:"account_type_code"`
	Amount          string       `json:"amount"`
	PaymentType     string       `json:"payment_type"`
	Reference       string       `json:"reference"`

	amount decimal.Decimal
}

// Line renders the record without its terminator.
func (r Record) Line() string {
	return strings.Join([]string{
		r.BeneficiaryID,
		r.BeneficiaryName,
		r.RouteCode,
		r.AccountNumber,
		r.AccountTypeCode,
		r.Amount,
		r.PaymentType,
		r.Reference,
	}, fieldSeparator)
}

type CandidateError struct {
	BrokerID   snowflake.ID `json:"broker_id"`
	BrokerName string       `json:"broker_name"`
	Errors     []string     `json:"errors"`
}

type Result struct {
	Content     string           `json:"content"`
	Records     []Record         `json:"records"`
	Errors      []CandidateError `json:"errors"`
	ValidCount  int              `json:"valid_count"`
	TotalAmount decimal.Decimal  `json:"total_amount"`
}

type Encoder struct {
	settings *config.SettlementConfigHolder
	log      *zap.Logger
}

func NewEncoder(settings *config.SettlementConfigHolder, log *zap.Logger) *Encoder {
	return &Encoder{
		settings: settings,
		log:      log.Named("ach.encoder"),
	}
}

// Encode builds the batch file. Invalid candidates are reported in
// Result.Errors and left out of the file; the batch itself never fails.
func (e *Encoder) Encode(candidates []Candidate, referenceText string) Result {
	result := Result{
		Records:     []Record{},
		Errors:      []CandidateError{},
		TotalAmount: decimal.Zero,
	}

	reference := bankfield.BuildReference(referenceText)
	fallbackType := e.settings.Get().DefaultAccountType

	for _, c := range candidates {
		amount := c.Amount.Round(2)
		if !amount.IsPositive() {
			continue
		}

		record, problems := e.buildRecord(c, amount, reference, fallbackType)
		if len(problems) > 0 {
			result.Errors = append(result.Errors, CandidateError{
				BrokerID:   c.BrokerID,
				BrokerName: c.BrokerName,
				Errors:     problems,
			})
			continue
		}
		result.Records = append(result.Records, record)
	}

	sort.SliceStable(result.Records, func(i, j int) bool {
		a, b := result.Records[i], result.Records[j]
		if a.BeneficiaryName != b.BeneficiaryName {
			return a.BeneficiaryName < b.BeneficiaryName
		}
		return a.BrokerID < b.BrokerID
	})

	var content strings.Builder
	for i := range result.Records {
		seq := bankfield.Truncate(fmt.Sprintf("%03d", i+1), MaxBeneficiaryIDLen)
		result.Records[i].SequenceID = seq
		result.Records[i].BeneficiaryID = seq

		content.WriteString(result.Records[i].Line())
		content.WriteString(lineTerminator)
		result.TotalAmount = result.TotalAmount.Add(result.Records[i].amount)
	}

	result.Content = content.String()
	result.ValidCount = len(result.Records)
	return result
}

func (e *Encoder) buildRecord(c Candidate, amount decimal.Decimal, reference, fallbackType string) (Record, []string) {
	var problems []string

	if !hasDigit(c.RouteCode) {
		problems = append(problems, ErrCodeMissingRoute)
	}
	account := bankfield.CleanAccountNumber(c.AccountNumber)
	if account == "" {
		problems = append(problems, ErrCodeMissingAccount)
	}
	rawType := strings.TrimSpace(c.AccountTypeCode)
	if rawType == "" {
		problems = append(problems, ErrCodeMissingAccountType)
	}

	name := strings.TrimRight(bankfield.Truncate(bankfield.NormalizeName(c.BeneficiaryName), MaxBeneficiaryNameLen), " ")
	if name == "" {
		problems = append(problems, ErrCodeMissingName)
	}

	if len(problems) > 0 {
		return Record{}, problems
	}

	accountType, corrected := bankfield.AccountTypeCode(c.AccountTypeCode, fallbackType)
	if corrected {
		e.log.Warn("account type code defaulted",
			zap.String("broker_id", c.BrokerID.String()),
			zap.String("raw_account_type", c.AccountTypeCode),
			zap.String("account_type", accountType),
		)
	}

	formatted, err := bankfield.FormatAmount(amount)
	if err != nil {
		return Record{}, []string{err.Error()}
	}

	return Record{
		BrokerID:        c.BrokerID,
		BeneficiaryName: name,
		RouteCode:       bankfield.NormalizeRoute(c.RouteCode),
		AccountNumber:   account,
		AccountTypeCode: accountType,
		Amount:          formatted,
		PaymentType:     PaymentTypeCredit,
		Reference:       reference,
		amount:          amount,
	}, nil
}

func hasDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
