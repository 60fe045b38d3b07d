package content

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tokentrack/ledgerdb/internal/globaldb"
)

func TestSplitStatementPairs(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      []Statement
		wantError bool
	}{
		{
			name:  "pair with distinct fallback",
			input: "UPDATE assets SET name='Bitcoin' WHERE identifier='BTC';\nINSERT INTO assets(identifier, name, type) VALUES('BTC', 'Bitcoin', 'A');\n",
			want: []Statement{{
				Action:     "UPDATE assets SET name='Bitcoin' WHERE identifier='BTC';",
				FullInsert: "INSERT INTO assets(identifier, name, type) VALUES('BTC', 'Bitcoin', 'A');",
			}},
		},
		{
			name:  "star sentinel means same as action",
			input: "INSERT INTO assets(identifier, name, type) VALUES('ETH', 'Ethereum', 'B');\n*\n",
			want: []Statement{{
				Action:     "INSERT INTO assets(identifier, name, type) VALUES('ETH', 'Ethereum', 'B');",
				FullInsert: "INSERT INTO assets(identifier, name, type) VALUES('ETH', 'Ethereum', 'B');",
			}},
		},
		{
			name:  "double quotes normalized",
			input: `UPDATE assets SET name="Bob's Coin" WHERE identifier='BOB';` + "\n*\n",
			want: []Statement{{
				Action:     "UPDATE assets SET name='Bob''s Coin' WHERE identifier='BOB';",
				FullInsert: "UPDATE assets SET name='Bob''s Coin' WHERE identifier='BOB';",
			}},
		},
		{
			name:  "blank lines between pairs",
			input: "\nDELETE FROM assets WHERE identifier='OLD';\n*\n\n\nDELETE FROM assets WHERE identifier='OLDER';\n*\n",
			want: []Statement{
				{Action: "DELETE FROM assets WHERE identifier='OLD';", FullInsert: "DELETE FROM assets WHERE identifier='OLD';"},
				{Action: "DELETE FROM assets WHERE identifier='OLDER';", FullInsert: "DELETE FROM assets WHERE identifier='OLDER';"},
			},
		},
		{
			name:      "dangling action line",
			input:     "DELETE FROM assets WHERE identifier='A';\n*\nDELETE FROM assets WHERE identifier='B';\n",
			want:      []Statement{{Action: "DELETE FROM assets WHERE identifier='A';", FullInsert: "DELETE FROM assets WHERE identifier='A';"}},
			wantError: true,
		},
		{
			name:  "empty file",
			input: "",
			want:  []Statement{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitStatementPairs(tt.input)
			if tt.wantError {
				if !errors.Is(err, ErrMalformedUpdate) {
					t.Fatalf("expected ErrMalformedUpdate, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d statements, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("statement %d: got %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestAssetParser(t *testing.T) {
	p := NewAssetParser()
	ctx := context.Background()

	t.Run("plain asset", func(t *testing.T) {
		insert := "INSERT INTO assets(identifier, name, type) VALUES('LTC', 'Litecoin', 'B');" +
			"INSERT INTO common_asset_details(identifier, symbol, coingecko, cryptocompare, forked, started, swapped_for) " +
			"VALUES('LTC', 'LTC', 'litecoin', NULL, 'BTC', 1317972665, NULL);"

		data, err := p.Parse(ctx, nil, 20, insert)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if data.Identifier != "LTC" || data.Name != "Litecoin" || data.AssetType != "B" {
			t.Errorf("wrong identity fields: %+v", data)
		}
		if data.Symbol != "LTC" || data.Coingecko != "litecoin" || data.Forked != "BTC" {
			t.Errorf("wrong detail fields: %+v", data)
		}
		if data.Started == nil || *data.Started != 1317972665 {
			t.Errorf("wrong started: %v", data.Started)
		}
		if data.Address != "" || data.Decimals != nil {
			t.Errorf("unexpected token fields on plain asset: %+v", data)
		}
	})

	t.Run("evm token", func(t *testing.T) {
		insert := "INSERT INTO assets(identifier, name, type) VALUES('eip155:1/erc20:0xdef1', 'Omega', 'C');" +
			"INSERT INTO common_asset_details(identifier, symbol, coingecko, cryptocompare, forked, started, swapped_for) " +
			"VALUES('eip155:1/erc20:0xdef1', 'OMG', NULL, NULL, NULL, 1609459200, NULL);" +
			"INSERT INTO evm_tokens(identifier, token_kind, chain, address, decimals, protocol) " +
			"VALUES('eip155:1/erc20:0xdef1', 'A', 1, '0xdef1', 18, NULL);"

		data, err := p.Parse(ctx, nil, 20, insert)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if data.Address != "0xdef1" || data.ChainID != 1 || data.TokenKind != "A" {
			t.Errorf("wrong token fields: %+v", data)
		}
		if data.Decimals == nil || *data.Decimals != 18 {
			t.Errorf("wrong decimals: %v", data.Decimals)
		}
	})

	t.Run("evm token missing token insert", func(t *testing.T) {
		insert := "INSERT INTO assets(identifier, name, type) VALUES('X', 'X', 'C');" +
			"INSERT INTO common_asset_details(identifier, symbol, coingecko, cryptocompare, forked, started, swapped_for) " +
			"VALUES('X', 'X', NULL, NULL, NULL, NULL, NULL);"

		_, err := p.Parse(ctx, nil, 20, insert)
		if !errors.Is(err, ErrMalformedUpdate) {
			t.Fatalf("expected ErrMalformedUpdate, got %v", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := p.Parse(ctx, nil, 20, "DROP TABLE assets")
		if !errors.Is(err, ErrMalformedUpdate) {
			t.Fatalf("expected ErrMalformedUpdate, got %v", err)
		}
	})
}

func TestCollectionParserVersionDispatch(t *testing.T) {
	p := NewCollectionParser()
	ctx := context.Background()

	tests := []struct {
		name          string
		version       int
		insert        string
		wantMainAsset string
		wantError     bool
	}{
		{
			name:    "legacy format at v16",
			version: 16,
			insert:  "INSERT INTO asset_collections(id, name, symbol) VALUES(7, 'Wrapped ether', 'WETH')",
		},
		{
			name:    "legacy format at last legacy version",
			version: FirstVersionWithMainAsset - 1,
			insert:  "INSERT INTO asset_collections(id, name, symbol) VALUES(7, 'Wrapped ether', 'WETH')",
		},
		{
			name:          "latest format at v33",
			version:       FirstVersionWithMainAsset,
			insert:        "INSERT INTO asset_collections(id, name, symbol, main_asset) VALUES(7, 'Wrapped ether', 'WETH', 'ETH')",
			wantMainAsset: "ETH",
		},
		{
			name:      "latest file against legacy parser fails",
			version:   16,
			insert:    "INSERT INTO asset_collections(id, name, symbol, main_asset) VALUES(7, 'Wrapped ether', 'WETH', 'ETH')",
			wantError: true,
		},
		{
			name:      "no parser before collections existed",
			version:   15,
			insert:    "INSERT INTO asset_collections(id, name, symbol) VALUES(7, 'Wrapped ether', 'WETH')",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := p.Parse(ctx, nil, tt.version, tt.insert)
			if tt.wantError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if data.ID != 7 || data.Name != "Wrapped ether" || data.Symbol != "WETH" {
				t.Errorf("wrong fields: %+v", data)
			}
			if data.MainAsset != tt.wantMainAsset {
				t.Errorf("main asset: got %q, want %q", data.MainAsset, tt.wantMainAsset)
			}
		})
	}
}

func TestMappingParserPreconditions(t *testing.T) {
	ctx := context.Background()
	db, err := globaldb.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.CreateSchema(ctx); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	exec := func(query string, args ...interface{}) {
		t.Helper()
		if _, err := db.RawDB().ExecContext(ctx, query, args...); err != nil {
			t.Fatalf("exec failed: %v", err)
		}
	}
	exec("INSERT INTO assets(identifier, name, type) VALUES('ETH', 'Ethereum', 'B')")
	exec("INSERT INTO asset_collections(id, name, symbol, main_asset) VALUES(7, 'Ether', 'ETH', 'ETH')")

	p := NewMappingParser()

	data, err := p.Parse(ctx, db, 16,
		"INSERT INTO multiasset_mappings(collection_id, asset) VALUES(7, 'ETH')")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if data.CollectionID != 7 || data.Asset != "ETH" {
		t.Errorf("wrong fields: %+v", data)
	}

	_, err = p.Parse(ctx, db, 16,
		"INSERT INTO multiasset_mappings(collection_id, asset) VALUES(7, 'NOPE')")
	var unknown *UnknownAssetError
	if !errors.As(err, &unknown) || unknown.Identifier != "NOPE" {
		t.Fatalf("expected UnknownAssetError for NOPE, got %v", err)
	}

	_, err = p.Parse(ctx, db, 16,
		"INSERT INTO multiasset_mappings(collection_id, asset) VALUES(99, 'ETH')")
	if !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("expected ErrMalformedUpdate for missing collection, got %v", err)
	}
}
