package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/itinerary/pkg/domain"
)

// readContacts loads contacts from a CSV, YAML or JSON file. A CSV file needs
// an "email" header column; "name" and "company" fill the contact and any
// other column becomes a custom field.
func readContacts(path string) ([]domain.Contact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return parseCSV(f)
	}
	var contacts []domain.Contact
	if err := yaml.NewDecoder(f).Decode(&contacts); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return contacts, nil
}

func parseCSV(r io.Reader) ([]domain.Contact, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}
	emailCol := -1
	for i, h := range header {
		if h == "email" {
			emailCol = i
		}
	}
	if emailCol < 0 {
		return nil, errors.New("csv has no email column")
	}

	var contacts []domain.Contact
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return contacts, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		var c domain.Contact
		for i, v := range rec {
			switch header[i] {
			case "email":
				c.Email = v
			case "name":
				c.Name = v
			case "company":
				c.Company = v
			default:
				if v == "" {
					continue
				}
				if c.Fields == nil {
					c.Fields = make(map[string]string)
				}
				c.Fields[header[i]] = v
			}
		}
		contacts = append(contacts, c)
	}
}

// gatherContacts merges --contacts files and --email addresses.
func gatherContacts(files, emails []string) ([]domain.Contact, error) {
	var out []domain.Contact
	for _, path := range files {
		contacts, err := readContacts(path)
		if err != nil {
			return nil, err
		}
		out = append(out, contacts...)
	}
	for _, e := range emails {
		out = append(out, domain.Contact{Email: e})
	}
	return out, nil
}
