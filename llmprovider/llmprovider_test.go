package llmprovider_test

import (
	"testing"

	"github.com/conduitcache/semcache/llmprovider"
)

func TestValidateToolsRejectsDuplicates(t *testing.T) {
	tools := []llmprovider.Tool{
		{Type: "function", Name: "search"},
		{Type: "function", Name: "search"},
	}
	if err := llmprovider.ValidateTools(tools); err == nil {
		t.Fatal("ValidateTools() = nil, want error for duplicate tool name")
	}
}

func TestValidateToolsAcceptsUniqueNames(t *testing.T) {
	tools := []llmprovider.Tool{
		{Type: "function", Name: "search"},
		{Type: "function", Name: "fetch"},
	}
	if err := llmprovider.ValidateTools(tools); err != nil {
		t.Errorf("ValidateTools() error = %v, want nil", err)
	}
}
