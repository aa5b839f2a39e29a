package catalog

import (
	"encoding/json"
	"errors"
	"sync"

	_ "embed"
)

var (
	// ErrUnknownMonster is returned when a monster id is not in the catalogue.
	ErrUnknownMonster = errors.New("unknown monster")
	// ErrUnknownItem is returned when an item id is not in the catalogue.
	ErrUnknownItem = errors.New("unknown item")
)

// Monster is a read-only monster definition.
type Monster struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Kind        string   `json:"kind"`
	MaxHP       int      `json:"maxHp"`
	Weaknesses  []string `json:"weaknesses"`
	ModelRef    string   `json:"modelRef,omitempty"`
}

// Weak reports whether itemID is listed as a weakness. Combat does not consult it.
func (m Monster) Weak(itemID string) bool {
	for _, weakness := range m.Weaknesses {
		if weakness == itemID {
			return true
		}
	}
	return false
}

// Item is an owned inventory entry.
type Item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

//go:embed monsters.json
var monsterPayload []byte

//go:embed items.json
var itemPayload []byte

var (
	loadOnce sync.Once
	monsters []Monster
	items    []Item
	loadErr  error
)

func load() {
	loadOnce.Do(func() {
		//1.- Parse both embedded tables once.
		var monsterFile struct {
			Monsters []Monster `json:"monsters"`
		}
		if loadErr = json.Unmarshal(monsterPayload, &monsterFile); loadErr != nil {
			return
		}
		var itemFile struct {
			Items []Item `json:"items"`
		}
		if loadErr = json.Unmarshal(itemPayload, &itemFile); loadErr != nil {
			return
		}
		monsters = monsterFile.Monsters
		items = itemFile.Items
	})
	//2.- A broken embedded table is a build defect, not a runtime condition.
	if loadErr != nil {
		panic(loadErr)
	}
}

// Monsters returns a copy of every monster definition.
func Monsters() []Monster {
	load()
	out := make([]Monster, len(monsters))
	for i, monster := range monsters {
		out[i] = cloneMonster(monster)
	}
	return out
}

// Items returns a copy of the owned inventory. Every player owns the full list.
func Items() []Item {
	load()
	out := make([]Item, len(items))
	copy(out, items)
	return out
}

// MonsterByID looks up a monster definition.
func MonsterByID(id string) (Monster, error) {
	load()
	for _, monster := range monsters {
		if monster.ID == id {
			return cloneMonster(monster), nil
		}
	}
	return Monster{}, ErrUnknownMonster
}

// ItemByID looks up an inventory item.
func ItemByID(id string) (Item, error) {
	load()
	for _, item := range items {
		if item.ID == id {
			return item, nil
		}
	}
	return Item{}, ErrUnknownItem
}

func cloneMonster(monster Monster) Monster {
	monster.Weaknesses = append([]string(nil), monster.Weaknesses...)
	return monster
}
