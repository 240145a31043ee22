// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package dwarf models DWARF Call Frame Information just deeply enough to
// translate it into this module's per-architecture unwind rules, or to
// evaluate it directly when no rule can represent the row. It does not
// parse .eh_frame/.debug_frame bytes itself: spec.md §6 treats byte-level
// CIE/FDE decoding as an external collaborator, so Row and Expression are
// meant to be produced by a caller-supplied DWARF reader (for example
// golang.org/x/debug/dwarf's frame tables, or a vendored CIE/FDE walker
// such as the one in ConradIrwin/go-dwarf) and handed to this package
// already decoded.
package dwarf

import "errors"

// Register is a DWARF register number. Its mapping to an architecture's
// named registers (sp, fp, lr, bp...) is arch-specific and lives in the
// arch/arm64 and arch/amd64 packages' translation tables.
type Register uint8

// CfaKind distinguishes the two ways the Canonical Frame Address can be
// described by a DWARF row.
type CfaKind uint8

const (
	// CfaRegisterAndOffset means CFA = value-of(Register) + Offset.
	CfaRegisterAndOffset CfaKind = iota
	// CfaExpression means CFA is the result of evaluating Expression.
	CfaExpression
)

// CfaRule describes how to recover the Canonical Frame Address.
type CfaRule struct {
	Kind       CfaKind
	Register   Register
	Offset     int64
	Expression Expression
}

// RegisterRuleKind is the action a RegisterRule takes to recover one
// register's value in the caller's frame.
type RegisterRuleKind uint8

const (
	// RuleUndefined means the register's value in the caller is not
	// recoverable (the DIE does not track it at this row).
	RuleUndefined RegisterRuleKind = iota
	// RuleSameValue means the caller's value equals the callee's.
	RuleSameValue
	// RuleOffset means the caller's value is stored in memory at CFA+Offset.
	RuleOffset
	// RuleValOffset means the caller's value is itself CFA+Offset (no
	// memory read).
	RuleValOffset
	// RuleRegisterRule means the caller's value is the current value of a
	// different register.
	RuleRegisterRule
	// RuleExpression means the caller's value is stored in memory at the
	// address produced by evaluating Expression.
	RuleExpression
	// RuleValExpression means the caller's value is itself the result of
	// evaluating Expression (no memory read).
	RuleValExpression
)

// RegisterRule describes how to recover one register's value in the
// caller's frame.
type RegisterRule struct {
	Kind       RegisterRuleKind
	Offset     int64
	Register   Register
	Expression Expression
}

// Row is one row of a DWARF unwind table: the CFA rule and the register
// rules in effect for every address in [Start, End).
type Row struct {
	Start, End uint64
	CFA        CfaRule
	Registers  map[Register]RegisterRule
}

// Rule looks up the rule for reg, returning RuleUndefined if the row does
// not mention it.
func (r Row) Rule(reg Register) RegisterRule {
	if rule, ok := r.Registers[reg]; ok {
		return rule
	}
	return RegisterRule{Kind: RuleUndefined}
}

// Errors returned while evaluating a Row directly (the fallback path taken
// when a Row cannot be translated into a cacheable architecture rule).
var (
	// ErrUnknownRegister is returned when a CfaRule or RegisterRule names a
	// register this evaluator was not given a current value for.
	ErrUnknownRegister = errors.New("dwarf: unwind row references a register with no known value")

	// ErrCouldNotRecoverCFA names a CFA rule that cannot be evaluated. No
	// code in this package returns it: EvaluateCFA reports
	// ErrUnknownRegister for an unresolvable register and the expression
	// evaluator's own error for an expression failure.
	ErrCouldNotRecoverCFA = errors.New("dwarf: could not recover canonical frame address")

	// ErrCouldNotRecoverReturnAddress is returned when the return-address
	// register's rule cannot be evaluated.
	ErrCouldNotRecoverReturnAddress = errors.New("dwarf: could not recover return address")

	// ErrCouldNotRecoverFramePointer is returned when the frame-pointer
	// register's rule cannot be evaluated.
	ErrCouldNotRecoverFramePointer = errors.New("dwarf: could not recover frame pointer")

	// ErrRestoringFpButNotLr is returned by a translation table when a row
	// restores the frame pointer but leaves the link register/return
	// address register undefined or vice versa: the combination is
	// ambiguous to translate into a compact rule.
	ErrRestoringFpButNotLr = errors.New("dwarf: row restores one of fp/lr but not the other")

	// ErrCfaIsExpression is returned by a translation table when the CFA
	// rule is a DWARF expression rather than register+offset; translation
	// always falls back to direct evaluation in that case.
	ErrCfaIsExpression = errors.New("dwarf: CFA rule is an expression, cannot translate to a rule")

	// ErrUnhandledRowShape is returned by a translation table when the row
	// uses a combination of CFA/register rules the table does not
	// recognize; direct evaluation is always still possible.
	ErrUnhandledRowShape = errors.New("dwarf: row shape has no compact rule translation")
)

// RegisterValues supplies the current value of registers the evaluator
// needs to read (CFA's base register, or a RuleRegisterRule target).
type RegisterValues func(reg Register) (value uint64, ok bool)

// EvaluateCFA computes the Canonical Frame Address for row given the
// current register values and a stack reader for the expression case.
func EvaluateCFA(row Row, regs RegisterValues, readStack func(uint64) (uint64, error)) (uint64, error) {
	switch row.CFA.Kind {
	case CfaRegisterAndOffset:
		base, ok := regs(row.CFA.Register)
		if !ok {
			return 0, ErrUnknownRegister
		}
		return uint64(int64(base) + row.CFA.Offset), nil
	case CfaExpression:
		v, err := Evaluate(row.CFA.Expression, regs, readStack)
		if err != nil {
			return 0, err
		}
		return v, nil
	default:
		return 0, ErrUnhandledRowShape
	}
}

// EvaluateRegisterRule recovers a single register's caller-frame value.
// current/hasCurrent supply the register's callee-frame value for
// RuleSameValue; ok is false when the rule is RuleUndefined (the caller
// should leave the register as-is or treat it as unrecoverable, per its own
// policy).
func EvaluateRegisterRule(rule RegisterRule, cfa uint64, current uint64, hasCurrent bool,
	regs RegisterValues, readStack func(uint64) (uint64, error)) (value uint64, ok bool, err error) {
	switch rule.Kind {
	case RuleUndefined:
		return 0, false, nil
	case RuleSameValue:
		if !hasCurrent {
			return 0, false, ErrUnknownRegister
		}
		return current, true, nil
	case RuleOffset:
		v, err := readStack(uint64(int64(cfa) + rule.Offset))
		if err != nil {
			return 0, false, err
		}
		return v, true, nil
	case RuleValOffset:
		return uint64(int64(cfa) + rule.Offset), true, nil
	case RuleRegisterRule:
		v, ok := regs(rule.Register)
		if !ok {
			return 0, false, ErrUnknownRegister
		}
		return v, true, nil
	case RuleExpression:
		addr, err := Evaluate(rule.Expression, regs, readStack)
		if err != nil {
			return 0, false, err
		}
		v, err := readStack(addr)
		if err != nil {
			return 0, false, err
		}
		return v, true, nil
	case RuleValExpression:
		v, err := Evaluate(rule.Expression, regs, readStack)
		if err != nil {
			return 0, false, err
		}
		return v, true, nil
	default:
		return 0, false, ErrUnhandledRowShape
	}
}
