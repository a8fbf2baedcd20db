package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		// Invalid cases
		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"vault_1234567890123456789012345678901234567890", false},
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		result := IsValidAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestIsValidCustodyLocation(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"vault_1234567890123456789012345678901234567890ab", false}, // Too long
		{"vault_12345678901234567890123456789012345678ab", true},
		{"vault_", false},
		{"vault_XYZ", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidCustodyLocation(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidCustodyLocation(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestValidate(t *testing.T) {
	// Valid input
	errs := Validate(
		Required("listingId", "listing-1"),
		ValidAddress("buyer", "0x1234567890123456789012345678901234567890"),
		MaxLength("listingId", "listing-1", 128),
	)
	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}

	// Invalid input
	errs = Validate(
		Required("listingId", "  "),
		ValidAddress("buyer", "invalid"),
		MaxLength("listingId", strings.Repeat("x", 200), 128),
	)
	if len(errs) != 3 {
		t.Errorf("Expected 3 errors, got %d", len(errs))
	}
	if errs.Error() == "" {
		t.Error("Expected non-empty error string")
	}
}

func TestValidAddress_EmptyIsSkipped(t *testing.T) {
	// Empty values are the job of Required
	errs := Validate(ValidAddress("buyer", ""))
	if len(errs) != 0 {
		t.Errorf("Expected empty value to pass ValidAddress, got %v", errs)
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/parties/:address/escrows", AddressParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		addr string
		code int
	}{
		{"0x1234567890123456789012345678901234567890", http.StatusOK},
		{"vault_12345678901234567890123456789012345678ab", http.StatusOK},
		{"not-an-address", http.StatusBadRequest},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/parties/"+tc.addr+"/escrows", nil)
		r.ServeHTTP(w, req)
		if w.Code != tc.code {
			t.Errorf("address %q: expected %d, got %d", tc.addr, tc.code, w.Code)
		}
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/echo", strings.NewReader("small"))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected small body accepted, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/echo", strings.NewReader(strings.Repeat("x", 64)))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected oversized body rejected, got %d", w.Code)
	}
}
