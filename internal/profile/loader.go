package profile

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type fileCatalog struct {
	Devices  []fileDevice  `mapstructure:"devices"`
	Users    []fileUser    `mapstructure:"users"`
	Profiles []fileProfile `mapstructure:"profiles"`
}

type fileDevice struct {
	ID        string   `mapstructure:"id"`
	Name      string   `mapstructure:"name"`
	UserID    string   `mapstructure:"user_id"`
	Addresses []string `mapstructure:"addresses"`
}

type fileUser struct {
	ID        string `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	ProfileID string `mapstructure:"profile_id"`
}

type fileProfile struct {
	ID                  string           `mapstructure:"id"`
	Name                string           `mapstructure:"name"`
	ControlmodeTime     bool             `mapstructure:"controlmode_time"`
	ControlmodeMaxUsage bool             `mapstructure:"controlmode_max_usage"`
	Contingents         []fileContingent `mapstructure:"contingents"`
	MaxUsageMinutes     map[string]int   `mapstructure:"max_usage_minutes"`
}

type fileContingent struct {
	Day  string `mapstructure:"day"`
	From string `mapstructure:"from"`
	Till string `mapstructure:"till"`
}

// LoadFile reads a YAML (or any viper-supported format) catalog file.
func LoadFile(path string) (Catalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Catalog{}, fmt.Errorf("failed to read profiles file: %w", err)
	}

	var raw fileCatalog
	if err := v.Unmarshal(&raw); err != nil {
		return Catalog{}, fmt.Errorf("failed to unmarshal profiles file: %w", err)
	}

	catalog, err := raw.catalog()
	if err != nil {
		return Catalog{}, fmt.Errorf("profiles file %s: %w", path, err)
	}
	if err := catalog.Validate(); err != nil {
		return Catalog{}, fmt.Errorf("profiles file %s: %w", path, err)
	}
	return catalog, nil
}

func (f fileCatalog) catalog() (Catalog, error) {
	var c Catalog
	for _, d := range f.Devices {
		c.Devices = append(c.Devices, Device(d))
	}
	for _, u := range f.Users {
		c.Users = append(c.Users, User(u))
	}
	for _, fp := range f.Profiles {
		p := Profile{
			ID:                  fp.ID,
			Name:                fp.Name,
			ControlmodeTime:     fp.ControlmodeTime,
			ControlmodeMaxUsage: fp.ControlmodeMaxUsage,
			MaxUsageMinutes:     make(map[time.Weekday]int, len(fp.MaxUsageMinutes)),
		}
		for _, fc := range fp.Contingents {
			day, err := ParseDaySelector(fc.Day)
			if err != nil {
				return Catalog{}, fmt.Errorf("profile %s: %w", fp.ID, err)
			}
			from, err := ParseMinute(fc.From)
			if err != nil {
				return Catalog{}, fmt.Errorf("profile %s: %w", fp.ID, err)
			}
			till, err := ParseMinute(fc.Till)
			if err != nil {
				return Catalog{}, fmt.Errorf("profile %s: %w", fp.ID, err)
			}
			p.Contingents = append(p.Contingents, Contingent{Day: day, From: from, Till: till})
		}
		for dayName, minutes := range fp.MaxUsageMinutes {
			days, err := quotaDays(dayName)
			if err != nil {
				return Catalog{}, fmt.Errorf("profile %s: %w", fp.ID, err)
			}
			for _, wd := range days {
				p.MaxUsageMinutes[wd] = minutes
			}
		}
		c.Profiles = append(c.Profiles, p)
	}
	return c, nil
}

// quotaDays expands a quota key into the weekdays it covers.
func quotaDays(name string) ([]time.Weekday, error) {
	sel, err := ParseDaySelector(strings.ToLower(name))
	if err != nil {
		return nil, err
	}
	var days []time.Weekday
	for iso := 1; iso <= 7; iso++ {
		if sel.Includes(iso) {
			days = append(days, time.Weekday(iso%7))
		}
	}
	return days, nil
}
