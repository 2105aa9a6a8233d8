package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"
	"go.vocdoni.io/dvote/log"

	"github.com/tallyforge/ballotchain/consensus"
	"github.com/tallyforge/ballotchain/crypto/ethereum"
	"github.com/tallyforge/ballotchain/service"
	"github.com/tallyforge/ballotchain/types"
)

func main() {
	dataDir := flag.String("datadir", filepath.Join(os.TempDir(), "ballotchaind"),
		"directory for the chain database")
	host := flag.String("host", "0.0.0.0", "API host to bind")
	port := flag.Int("port", 9090, "API port (0 disables the API)")
	logLevel := flag.String("loglevel", "info", "log level (debug, info, warn, error)")
	privKey := flag.String("privkey", "", "validator private key as hex; a new key is generated if empty")
	validators := flag.StringSlice("validator", nil,
		"validator compressed public key as hex, optionally pubkey:weight; repeat per validator")
	genesisTime := flag.Int64("genesis", 0,
		"unix timestamp of the genesis block; all validators of a chain must agree on it")
	baseTimeout := flag.Duration("base-timeout", consensus.DefaultBaseTimeout,
		"round timeout before a view change")
	blockInterval := flag.Duration("block-interval", consensus.DefaultBlockInterval,
		"minimum delay between proposed blocks")
	maxBallots := flag.Int("max-block-ballots", 0, "maximum ballots per block (0 for default)")
	poolCapacity := flag.Int("pool-capacity", 0, "mempool capacity (0 for default)")
	flag.Parse()
	log.Init(*logLevel, "stdout", nil)

	signer := ethereum.NewSignKeys()
	if *privKey != "" {
		if err := signer.AddHexKey(*privKey); err != nil {
			log.Fatalf("could not import private key: %v", err)
		}
	} else {
		if err := signer.Generate(); err != nil {
			log.Fatal(err)
		}
		_, priv := signer.HexString()
		log.Warnw("no private key provided, generated a new one", "privKey", priv)
	}
	log.Infow("validator identity", "address", signer.AddressString())

	database, err := metadb.New(db.TypePebble, *dataDir)
	if err != nil {
		log.Fatalf("could not open database at %s: %v", *dataDir, err)
	}

	vset, err := parseValidators(*validators)
	if err != nil {
		log.Fatal(err)
	}

	// Peer transport plugs in here; the loopback network covers single
	// validator deployments.
	net := consensus.NewMemNetwork().Node(types.AddressFromCommon(signer.Address()))

	cfg := service.NodeConfig{
		Database:        database,
		Signer:          signer,
		Validators:      vset,
		Network:         net,
		GenesisTime:     *genesisTime,
		APIHost:         *host,
		APIPort:         *port,
		BaseTimeout:     *baseTimeout,
		BlockInterval:   *blockInterval,
		MaxBlockBallots: *maxBallots,
		PoolCapacity:    *poolCapacity,
	}
	node, err := service.NewNode(cfg)
	if err != nil && vset == nil {
		// first run with no roster configured or stored: bootstrap a
		// single validator chain with our own key
		log.Infow("bootstrapping single validator chain", "address", signer.AddressString())
		cfg.Validators = types.NewValidatorSet(0, []types.Validator{{
			Address: types.AddressFromCommon(signer.Address()),
			PubKey:  signer.PublicKey(),
			Weight:  1,
		}})
		node, err = service.NewNode(cfg)
	}
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		log.Fatal(err)
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigC
	log.Infow("shutting down", "signal", sig.String())
	node.Stop()
}

// parseValidators builds the consensus roster from pubkey[:weight] specs. A
// nil return with no error means no roster was configured, so the node should
// fall back to the last stored snapshot.
func parseValidators(specs []string) (*types.ValidatorSet, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	var vals []types.Validator
	for _, spec := range specs {
		pubHex, weightStr, hasWeight := strings.Cut(spec, ":")
		weight := uint64(1)
		if hasWeight {
			w, err := strconv.ParseUint(weightStr, 10, 64)
			if err != nil || w == 0 {
				return nil, fmt.Errorf("invalid validator weight %q", weightStr)
			}
			weight = w
		}
		var pub types.HexBytes
		if err := pub.SetString(pubHex); err != nil {
			return nil, fmt.Errorf("invalid validator public key %q: %w", pubHex, err)
		}
		addr, err := ethereum.AddrFromPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("invalid validator public key %q: %w", pubHex, err)
		}
		vals = append(vals, types.Validator{
			Address: types.AddressFromCommon(addr),
			PubKey:  pub,
			Weight:  weight,
		})
	}
	return types.NewValidatorSet(0, vals), nil
}
