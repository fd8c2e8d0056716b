/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GenerateUUIDWithSuffix generates a UUID with a given module name as a prefix.
// Payouts use "pay", webhook events "whe" and reconcile reports "rec".
func GenerateUUIDWithSuffix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}

// currencyExponents lists the minor-unit exponent for the currencies mobile money rails settle in.
// Anything not listed is assumed to have two decimal places.
var currencyExponents = map[string]int32{
	"UGX": 0,
	"RWF": 0,
	"XOF": 0,
	"XAF": 0,
	"KES": 2,
	"TZS": 2,
	"GHS": 2,
	"NGN": 2,
	"ZMW": 2,
	"MWK": 2,
	"USD": 2,
}

// CurrencyExponent returns the number of decimal places used by the currency's minor unit.
func CurrencyExponent(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return exp
	}
	return 2
}

// MinorToMajor converts an amount in minor units to its major-unit decimal representation.
func MinorToMajor(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -CurrencyExponent(currency))
}

// MajorToMinor converts a major-unit decimal to minor units, rounding half away from zero.
func MajorToMinor(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(CurrencyExponent(currency)).Round(0).IntPart()
}
