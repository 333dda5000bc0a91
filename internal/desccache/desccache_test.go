package desccache

import (
	"path/filepath"
	"testing"
)

func TestCache_disabledWithEmptyPath_alwaysMisses(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if err := c.PutDescription("http://example/desc.xml", []byte("<root/>")); err != nil {
		t.Fatalf("PutDescription on disabled cache: %v", err)
	}
	if _, ok := c.GetDescription("http://example/desc.xml"); ok {
		t.Error("expected a disabled cache to always miss")
	}
}

func TestCache_putThenGet_roundTripsDescription(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "desc.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if err := c.PutDescription("http://example/desc.xml", []byte("<root>hi</root>")); err != nil {
		t.Fatalf("PutDescription: %v", err)
	}
	body, ok := c.GetDescription("http://example/desc.xml")
	if !ok {
		t.Fatal("expected a hit after Put")
	}
	if string(body) != "<root>hi</root>" {
		t.Errorf("body = %q, want the stored document", body)
	}
}

func TestCache_putTwice_overwritesInPlace(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "desc.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if err := c.PutSCPD("http://example/scpd.xml", []byte("v1")); err != nil {
		t.Fatalf("PutSCPD v1: %v", err)
	}
	if err := c.PutSCPD("http://example/scpd.xml", []byte("v2")); err != nil {
		t.Fatalf("PutSCPD v2: %v", err)
	}
	body, ok := c.GetSCPD("http://example/scpd.xml")
	if !ok || string(body) != "v2" {
		t.Errorf("GetSCPD = %q, %v, want v2, true", body, ok)
	}
}

func TestCache_descriptionAndSCPDNamespacesDoNotCollide(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "desc.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	url := "http://example/same-url"
	if err := c.PutDescription(url, []byte("description-body")); err != nil {
		t.Fatalf("PutDescription: %v", err)
	}
	if err := c.PutSCPD(url, []byte("scpd-body")); err != nil {
		t.Fatalf("PutSCPD: %v", err)
	}
	descBody, _ := c.GetDescription(url)
	scpdBody, _ := c.GetSCPD(url)
	if string(descBody) != "description-body" || string(scpdBody) != "scpd-body" {
		t.Errorf("description/scpd cached under the same URL collided: %q / %q", descBody, scpdBody)
	}
}

func TestCache_GetDescription_missingURLIsMiss(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "desc.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if _, ok := c.GetDescription("http://example/never-fetched.xml"); ok {
		t.Error("expected a miss for a URL never Put")
	}
}

func TestHash_differsForDifferentContent(t *testing.T) {
	h1 := Hash([]byte("a"))
	h2 := Hash([]byte("b"))
	if h1 == h2 {
		t.Error("expected different content to hash differently")
	}
	if Hash([]byte("a")) != h1 {
		t.Error("expected Hash to be deterministic")
	}
}
