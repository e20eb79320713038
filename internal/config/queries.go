package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hive-corporation/c2sync/internal/core/domain"
)

var nowDateToken = regexp.MustCompile(`\{%\s*now_date\s*%\}`)

type queryFile struct {
	Data map[string][]string `json:"data" yaml:"data"`
}

// LoadQueries reads the query file at path. Files ending in .yaml or .yml
// are parsed as YAML, everything else as JSON. Every {% now_date %} token is
// replaced with the day before today.
func LoadQueries(path string, today time.Time) (domain.QuerySet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.QuerySet{}, fmt.Errorf("failed to read query file: %w", err)
	}

	var file queryFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &file)
	default:
		err = json.Unmarshal(raw, &file)
	}
	if err != nil {
		return domain.QuerySet{}, fmt.Errorf("failed to parse query file %s: %w", path, err)
	}

	return buildQuerySet(file, today)
}

func buildQuerySet(file queryFile, today time.Time) (domain.QuerySet, error) {
	if len(file.Data) == 0 {
		return domain.QuerySet{}, fmt.Errorf("query file has no entries under \"data\"")
	}

	yesterday := domain.Day(today).AddDate(0, 0, -1).Format(domain.LedgerDateLayout)

	names := make([]string, 0, len(file.Data))
	for name := range file.Data {
		names = append(names, name)
	}
	sort.Strings(names)

	var set domain.QuerySet
	for _, name := range names {
		family := domain.QueryFamily{Name: name}
		for _, q := range file.Data[name] {
			q = strings.TrimSpace(nowDateToken.ReplaceAllString(q, yesterday))
			if q == "" {
				continue
			}
			family.Queries = append(family.Queries, q)
		}
		if len(family.Queries) > 0 {
			set.Families = append(set.Families, family)
		}
	}
	return set, nil
}
