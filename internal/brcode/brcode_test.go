package brcode_test

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/atendelab/atende-backend/internal/brcode"
	"github.com/atendelab/atende-backend/internal/domain"
)

func TestChecksum_KnownVector(t *testing.T) {
	// CRC-16/CCITT-FALSE check value for "123456789".
	if got := brcode.Checksum("123456789"); got != "29B1" {
		t.Errorf("expected checksum 29B1, got %s", got)
	}
}

func TestEncode_Structure(t *testing.T) {
	payload, err := brcode.Encode(brcode.Params{
		Key:          "12345678000199",
		Amount:       10.00,
		MerchantName: "LOJA TESTE",
		MerchantCity: "SAO PAULO",
		TxID:         "ABC123",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if !strings.HasPrefix(payload, "000201") {
		t.Errorf("expected payload format indicator prefix, got %s", payload[:10])
	}
	for _, want := range []string{
		"br.gov.bcb.pix",
		"12345678000199",
		"52040000",
		"5303986",
		"540510.00",
		"5802BR",
		"5910LOJA TESTE",
		"6009SAO PAULO",
		"ABC123",
	} {
		if !strings.Contains(payload, want) {
			t.Errorf("expected payload to contain %q\npayload: %s", want, payload)
		}
	}

	// The last 4 chars must be the CRC over everything before them.
	body, crc := payload[:len(payload)-4], payload[len(payload)-4:]
	if !strings.HasSuffix(body, "6304") {
		t.Errorf("expected CRC tag before checksum, got %s", body[len(body)-8:])
	}
	if crc != brcode.Checksum(body) {
		t.Errorf("checksum mismatch: payload carries %s, recomputed %s", crc, brcode.Checksum(body))
	}
}

func TestEncode_Deterministic(t *testing.T) {
	p := brcode.Params{
		Key:          "loja@example.com",
		Amount:       149.9,
		MerchantName: "Studio Bela",
		MerchantCity: "Curitiba",
		TxID:         "appt-42",
	}
	a, err := brcode.Encode(p)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	b, err := brcode.Encode(p)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if a != b {
		t.Error("expected identical payloads for identical params")
	}
}

func TestEncode_ValidationErrors(t *testing.T) {
	var validation *domain.ErrValidation

	_, err := brcode.Encode(brcode.Params{Key: "", Amount: 10})
	if !errors.As(err, &validation) {
		t.Errorf("expected validation error for empty key, got %v", err)
	}

	_, err = brcode.Encode(brcode.Params{Key: "abc", Amount: 0})
	if !errors.As(err, &validation) {
		t.Errorf("expected validation error for zero amount, got %v", err)
	}

	_, err = brcode.Encode(brcode.Params{Key: "abc", Amount: -5})
	if !errors.As(err, &validation) {
		t.Errorf("expected validation error for negative amount, got %v", err)
	}
}

func TestEncode_NormalizesNameAndCity(t *testing.T) {
	payload, err := brcode.Encode(brcode.Params{
		Key:          "chave@example.com",
		Amount:       5,
		MerchantName: "Salão São João",
		MerchantCity: "São Paulo",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(payload, "SALAO SAO JOAO") {
		t.Errorf("expected diacritics stripped from name, payload: %s", payload)
	}
	if !strings.Contains(payload, "6009SAO PAULO") {
		t.Errorf("expected diacritics stripped from city, payload: %s", payload)
	}
}

func TestEncode_TxIDFallsBackToWildcard(t *testing.T) {
	payload, err := brcode.Encode(brcode.Params{
		Key:    "chave@example.com",
		Amount: 5,
		TxID:   "!!!",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(payload, "6207" + "0503***") {
		t.Errorf("expected wildcard txid, payload: %s", payload)
	}
}

func TestEncode_LongKeyAndDescriptionStaysParseable(t *testing.T) {
	key := strings.Repeat("a", 56) + "@example.com" // 68 chars
	payload, err := brcode.Encode(brcode.Params{
		Key:          key,
		Amount:       10,
		MerchantName: "Studio Bela",
		MerchantCity: "Curitiba",
		Description:  strings.Repeat("PAGAMENTO ATENDIMENTO ", 4),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Walk the top-level TLV stream: every declared 2-digit length must
	// land exactly on the next tag, consuming the whole payload.
	i := 0
	sawAccount := false
	for i < len(payload) {
		if i+4 > len(payload) {
			t.Fatalf("truncated TLV header at offset %d", i)
		}
		id := payload[i : i+2]
		length, err := strconv.Atoi(payload[i+2 : i+4])
		if err != nil {
			t.Fatalf("non-numeric length for field %s: %v", id, err)
		}
		if i+4+length > len(payload) {
			t.Fatalf("field %s declares length %d past end of payload", id, length)
		}
		if id == "26" {
			sawAccount = true
			if !strings.Contains(payload[i+4:i+4+length], key) {
				t.Errorf("expected field 26 to keep the full key")
			}
		}
		i += 4 + length
	}
	if i != len(payload) {
		t.Errorf("TLV walk consumed %d of %d bytes", i, len(payload))
	}
	if !sawAccount {
		t.Error("expected a merchant account info field")
	}

	body, crc := payload[:len(payload)-4], payload[len(payload)-4:]
	if crc != brcode.Checksum(body) {
		t.Errorf("checksum mismatch: payload carries %s, recomputed %s", crc, brcode.Checksum(body))
	}
}

func TestEncode_RejectsOversizedKey(t *testing.T) {
	var validation *domain.ErrValidation

	_, err := brcode.Encode(brcode.Params{
		Key:    strings.Repeat("k", 80) + "@example.com",
		Amount: 10,
	})
	if !errors.As(err, &validation) {
		t.Errorf("expected validation error for oversized key, got %v", err)
	}
}

func TestEncode_AmountAlwaysTwoDecimals(t *testing.T) {
	payload, err := brcode.Encode(brcode.Params{Key: "k@e.com", Amount: 7})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(payload, "54047.00") {
		t.Errorf("expected amount field 54047.00, payload: %s", payload)
	}
}
