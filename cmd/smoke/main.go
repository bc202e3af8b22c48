// Command smoke runs an end-to-end check against a running tessera-api:
// admin login, event creation, registrations up to capacity, a rejected
// over-capacity attempt, and a decrypted attendee listing.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type client struct {
	base   string
	http   *http.Client
	cookie *http.Cookie
	csrf   string
}

func main() {
	base := os.Getenv("TESSERA_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	user := os.Getenv("TESSERA_SMOKE_USER")
	pass := os.Getenv("TESSERA_SMOKE_PASSWORD")
	if user == "" || pass == "" {
		log.Fatal("TESSERA_SMOKE_USER and TESSERA_SMOKE_PASSWORD are required")
	}

	c := &client{base: base, http: &http.Client{Timeout: 10 * time.Second}}

	if err := c.login(user, pass); err != nil {
		log.Fatalf("login: %v", err)
	}

	eventID, err := c.createEvent()
	if err != nil {
		log.Fatalf("create event: %v", err)
	}

	for i := 0; i < 2; i++ {
		if code, err := c.register(eventID, fmt.Sprintf("Smoke Attendee %d", i+1)); err != nil || code != http.StatusCreated {
			log.Fatalf("register %d: code=%d err=%v", i+1, code, err)
		}
	}
	code, err := c.register(eventID, "One Too Many")
	if err != nil {
		log.Fatalf("over-capacity register: %v", err)
	}
	if code != http.StatusConflict {
		log.Fatalf("over-capacity register returned %d, want 409", code)
	}

	names, err := c.listAttendeeNames(eventID)
	if err != nil {
		log.Fatalf("list attendees: %v", err)
	}
	if len(names) != 2 {
		log.Fatalf("attendees = %d, want 2", len(names))
	}

	fmt.Printf("smoke test passed: event=%s attendees=%v\n", eventID, names)
}

func (c *client) do(method, path string, body any, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cookie != nil {
		req.AddCookie(c.cookie)
		req.Header.Set("X-CSRF-Token", c.csrf)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	for _, ck := range resp.Cookies() {
		if ck.Name == "tessera_session" && ck.Value != "" {
			c.cookie = ck
		}
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (c *client) login(user, pass string) error {
	var resp struct {
		CSRFToken string `json:"csrf_token"`
	}
	code, err := c.do(http.MethodPost, "/v1/admin/login",
		map[string]string{"username": user, "password": pass}, &resp)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("status %d", code)
	}
	c.csrf = resp.CSRFToken
	return nil
}

func (c *client) createEvent() (string, error) {
	var ev struct {
		ID string `json:"id"`
	}
	code, err := c.do(http.MethodPost, "/v1/admin/events", map[string]any{
		"name":     fmt.Sprintf("Smoke %d", time.Now().Unix()),
		"kind":     "single",
		"capacity": 2,
	}, &ev)
	if err != nil {
		return "", err
	}
	if code != http.StatusCreated {
		return "", fmt.Errorf("status %d", code)
	}
	return ev.ID, nil
}

func (c *client) register(eventID, name string) (int, error) {
	return c.do(http.MethodPost, "/v1/events/"+eventID+"/register", map[string]any{
		"quantity": 1,
		"fields":   map[string]string{"name": name},
	}, nil)
}

func (c *client) listAttendeeNames(eventID string) ([]string, error) {
	var resp struct {
		Items []struct {
			Fields map[string]string `json:"fields"`
		} `json:"items"`
	}
	code, err := c.do(http.MethodGet, "/v1/admin/events/"+eventID+"/attendees", nil, &resp)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("status %d", code)
	}
	names := make([]string, 0, len(resp.Items))
	for _, item := range resp.Items {
		names = append(names, item.Fields["name"])
	}
	return names, nil
}
