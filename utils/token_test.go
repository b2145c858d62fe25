package utils

import (
	"testing"
)

func TestJwtRoundtrip(t *testing.T) {
	token, err := JwtGenerate("tenant-1", "admin")
	if err != nil {
		t.Fatalf("JwtGenerate error: %v", err)
	}

	parsed, err := JwtValidate(token)
	if err != nil {
		t.Fatalf("JwtValidate error: %v", err)
	}
	if !parsed.Valid {
		t.Fatal("token must validate")
	}
	claims, ok := parsed.Claims.(*JwtCustomClaim)
	if !ok {
		t.Fatalf("unexpected claims type %T", parsed.Claims)
	}
	if claims.TenantId != "tenant-1" || claims.Role != "admin" {
		t.Fatalf("claims roundtrip failed: %+v", claims)
	}
}

func TestJwtValidate_RejectsTamperedToken(t *testing.T) {
	token, err := JwtGenerate("tenant-1", "member")
	if err != nil {
		t.Fatalf("JwtGenerate error: %v", err)
	}
	tampered := token[:len(token)-2] + "xx"
	if _, err := JwtValidate(tampered); err == nil {
		t.Fatal("tampered token must fail validation")
	}
}
