// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

package tlv

import "testing"

func TestRoundTrip(t *testing.T) {
	buf := make([]byte, 32)

	if err := PutU8(buf, 0, 0xAB); err != nil {
		t.Fatal(err)
	}
	if v, err := GetU8(buf, 0); err != nil || v != 0xAB {
		t.Fatalf("GetU8 = %v, %v", v, err)
	}

	if err := PutU16(buf, 1, 0x1234); err != nil {
		t.Fatal(err)
	}
	if v, err := GetU16(buf, 1); err != nil || v != 0x1234 {
		t.Fatalf("GetU16 = %v, %v", v, err)
	}

	if err := PutU24(buf, 3, 0x00ABCDEF&MaxU24); err != nil {
		t.Fatal(err)
	}
	if v, err := GetU24(buf, 3); err != nil || v != 0x00ABCDEF&MaxU24 {
		t.Fatalf("GetU24 = %v, %v", v, err)
	}

	if err := PutU32(buf, 6, 0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	if v, err := GetU32(buf, 6); err != nil || v != 0xDEADBEEF {
		t.Fatalf("GetU32 = %v, %v", v, err)
	}

	if err := PutU64(buf, 10, 0x0102030405060708); err != nil {
		t.Fatal(err)
	}
	if v, err := GetU64(buf, 10); err != nil || v != 0x0102030405060708 {
		t.Fatalf("GetU64 = %v, %v", v, err)
	}
}

func TestBoundsChecking(t *testing.T) {
	buf := make([]byte, 4)

	if _, err := GetU8(buf, 4); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if _, err := GetU16(buf, 3); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if _, err := GetU32(buf, 1); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if _, err := GetU64(buf, 0); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if err := PutU32(buf, 2, 1); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if _, err := GetU8(buf, -1); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated for negative offset, got %v", err)
	}
}
