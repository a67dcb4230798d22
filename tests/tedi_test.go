// Code generated by tedi; DO NOT EDIT.

package tests

import (
	"github.com/jstroem/tedi"
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	t := tedi.New(m)

	// TestLabels:
	t.TestLabel("unit")
	t.TestLabel("integration")
	t.TestLabel("regression")

	// Fixtures:
	t.Fixture(fix_Context)
	t.Fixture(fixtureCreateTestDirectory)
	t.Fixture(fixtureCreateDepotTest)

	// Tests:
	t.Test("test_cargoDepot", test_cargoDepot, "unit")

	os.Exit(t.Run())
}
