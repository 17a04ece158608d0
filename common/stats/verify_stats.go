package stats

import (
	"bytes"
	"fmt"
	"sort"
)

// RuleChecker compares a got value from the registry with an expected value.
type RuleChecker struct {
	name    string
	checker func(got, expected interface{}) bool
}

func nilCheck(a, b interface{}) (nilFound, eqValues bool) {
	if a == nil && b == nil {
		return true, true
	}
	if a == nil || b == nil {
		return true, false
	}
	return false, false
}

// got must be int64, expected an int.
func int64EqTest(a, b interface{}) bool {
	if nilFound, eq := nilCheck(a, b); nilFound {
		return eq
	}
	return a.(int64) == int64(b.(int))
}

// got must be int64, expected an int.
func int64GTETest(a, b interface{}) bool {
	if nilFound, eq := nilCheck(a, b); nilFound {
		return eq
	}
	return a.(int64) >= int64(b.(int))
}

func floatGTTest(a, b interface{}) bool {
	if nilFound, eq := nilCheck(a, b); nilFound {
		return eq
	}
	return a.(float64) > b.(float64)
}

func doesNotExistTest(a, b interface{}) bool {
	return a == nil
}

var (
	Int64EqTest      = RuleChecker{name: "Int64EqTest", checker: int64EqTest}
	Int64GTETest     = RuleChecker{name: "Int64GTETest", checker: int64GTETest}
	FloatGTTest      = RuleChecker{name: "FloatGTTest", checker: floatGTTest}
	DoesNotExistTest = RuleChecker{name: "DoesNotExistTest", checker: doesNotExistTest}
)

// Rule pairs a checker with the expected value for one stat key.
type Rule struct {
	Checker RuleChecker
	Value   interface{}
}

// StatsOk checks every rule against the registry. It returns false and a
// description of each violation when any rule fails. Only finagle registries
// can be checked.
func StatsOk(tag string, statsRegistry StatsRegistry, contains map[string]Rule) (bool, string) {
	reg, ok := statsRegistry.(*finagleStatsRegistry)
	if !ok {
		return false, fmt.Sprintf("%s: registry %T can't be verified", tag, statsRegistry)
	}
	asJson := reg.MarshalAll()

	keys := make([]string, 0, len(contains))
	for k := range contains {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var msg bytes.Buffer
	failed := false
	for _, key := range keys {
		rule := contains[key]
		got := asJson[key]
		if rule.Checker.checker(got, rule.Value) {
			continue
		}
		failed = true
		if rule.Checker.name == DoesNotExistTest.name {
			fmt.Fprintf(&msg, "%s: %s: found stat entry when there should not be one\n", tag, key)
		} else {
			fmt.Fprintf(&msg, "%s: %s: got %v, expected to pass %s with %v\n", tag, key, got, rule.Checker.name, rule.Value)
		}
	}
	if failed {
		pretty, _ := reg.MarshalJSONPretty()
		fmt.Fprintf(&msg, "registry:\n%s\n", pretty)
	}
	return !failed, msg.String()
}
