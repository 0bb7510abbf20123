// Command partialxfer-cli drives a Controller from a small YAML job file, a
// host-side harness for exercising begin/recover/step/cleanup without any
// real USB hardware or printer firmware attached.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prusa3d/partialxfer"
	"github.com/prusa3d/partialxfer/fatvol"
	"gopkg.in/yaml.v3"
)

// jobConfig is the on-disk shape of a transfer job file.
type jobConfig struct {
	URL       string `yaml:"url"`
	Dest      string `yaml:"dest"`
	Size      int64  `yaml:"size"`
	OrderKind string `yaml:"order_kind"`
	IndexPath string `yaml:"index_path"`
	BackupDir string `yaml:"backup_dir"`
	Slots     int    `yaml:"slots"`
}

func loadJob(path string) (jobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return jobConfig{}, err
	}
	var cfg jobConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return jobConfig{}, err
	}
	if cfg.OrderKind == "" {
		cfg.OrderKind = "generic"
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = "transfer_index.txt"
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = "."
	}
	if cfg.Slots == 0 {
		cfg.Slots = 2
	}
	return cfg, nil
}

func main() {
	jobPath := flag.String("job", "", "path to a transfer job YAML file")
	resume := flag.Bool("resume", false, "recover and resume transfers listed in the index instead of starting a new one")
	flag.Parse()

	if *jobPath == "" {
		fmt.Fprintln(os.Stderr, "usage: partialxfer-cli -job job.yaml [-resume]")
		os.Exit(2)
	}

	cfg, err := loadJob(*jobPath)
	if err != nil {
		log.Fatalf("partialxfer-cli: %v", err)
	}
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		log.Fatalf("partialxfer-cli: %v", err)
	}

	vol := fatvol.NewLocalVolume()
	client := &http.Client{Timeout: 30 * time.Second}
	ctl := partialxfer.NewController(vol, client, filepath.Join(cfg.BackupDir, cfg.IndexPath), cfg.BackupDir, cfg.Slots)

	var transfers []*partialxfer.Transfer

	if *resume {
		recovered, err := ctl.CleanupTransfers()
		if err != nil {
			log.Fatalf("partialxfer-cli: cleanup: %v", err)
		}
		log.Printf("partialxfer-cli: recovered %d transfer(s)", len(recovered))
		transfers = recovered
	} else {
		t, err := ctl.Begin(cfg.URL, cfg.Dest, cfg.OrderKind, cfg.Size)
		if err != nil {
			log.Fatalf("partialxfer-cli: begin: %v", err)
		}
		transfers = []*partialxfer.Transfer{t}
	}

	for len(transfers) > 0 {
		remaining := transfers[:0]
		for _, t := range transfers {
			// The CLI harness has no concept of a file being printed from,
			// so retries always count against the transfer's budget.
			if err := ctl.Step(t, false); err != nil {
				log.Printf("partialxfer-cli: %s: %v", t.DestPath, err)
			}
			switch t.State {
			case partialxfer.TransferDownloading, partialxfer.TransferRetrying:
				remaining = append(remaining, t)
			case partialxfer.TransferDone:
				log.Printf("partialxfer-cli: %s complete", t.DestPath)
			default:
				log.Printf("partialxfer-cli: %s stopped: %s", t.DestPath, t.State)
			}
		}
		transfers = remaining
	}
}
