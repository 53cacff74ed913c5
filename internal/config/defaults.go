package config

import (
	"fmt"
	"time"
)

// Tanques do circuito de chumbo: desbaste e três limpezas
var defaultTanks = []struct {
	id, name string
	db       int
}{
	{"rougher", "Desbaste Pb", 10},
	{"cleaner1", "Limpeza 1 Pb", 11},
	{"cleaner2", "Limpeza 2 Pb", 12},
	{"cleaner3", "Limpeza 3 Pb", 13},
}

// Reagentes dosados em cada tanque
var defaultChemicals = []string{"xantato", "oleo_pinho", "sulfato_zinco"}

// getDefaultConfig retorna uma configuração padrão
func getDefaultConfig() Config {
	cfg := Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     D(30 * time.Second),
			WriteTimeout:    D(30 * time.Second),
			ShutdownTimeout: D(10 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Prefix: "flotacao",
		},
		Bus: BusConfig{
			MailboxSize: 256,
		},
		PLC: PLCConfig{
			Enabled:        false,
			Host:           "192.168.1.100",
			Rack:           0,
			Slot:           1,
			ConnectTimeout: D(5 * time.Second),
			IdleTimeout:    D(30 * time.Second),
			WriteTimeout:   D(2 * time.Second),
			StaleAfter:     3,
			Backoff: BackoffConfig{
				Initial: D(500 * time.Millisecond),
				Max:     D(30 * time.Second),
				Jitter:  0.2,
			},
		},
		Pipeline: PipelineConfig{
			MinMatches:     8,
			MaxWidth:       320,
			GLCMLevels:     8,
			KeypointCell:   16,
			PatchRadius:    4,
			SearchRadius:   16,
			RatioTest:      0.7,
			AcquireTimeout: D(5 * time.Second),
		},
		Control: ControlConfig{
			WriteFailureThreshold: 3,
			StaleTickLimit:        5,
		},
		History: HistoryConfig{
			QueueSize:             1024,
			KPIInterval:           D(time.Minute),
			ControlSampleInterval: D(10 * time.Second),
			Retention:             D(30 * 24 * time.Hour),
			FeedGradeTag:          "kyfx_yk_grade_Pb",
			ConcGradeTag:          "kyfx_gqxk_grade_Pb",
			TailGradeTag:          "kyfx_qw_grade_Pb",
		},
		Redis: RedisConfig{
			Host:    "localhost",
			Port:    6379,
			DB:      0,
			Prefix:  "flotacao",
			Enabled: true,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Broker:      "tcp://localhost:1883",
			ClientID:    "flotacao-backend",
			TopicPrefix: "flotacao",
			QoS:         0,
			Timeout:     D(5 * time.Second),
		},
		Discovery: DiscoveryConfig{
			Enabled:  true,
			Instance: "Flotacao Pb-Zn",
			Service:  "_flotacao._tcp",
			Domain:   "local.",
		},
	}

	// Análises de teor (lentas) ficam no DB 20
	grades := []string{cfg.History.FeedGradeTag, cfg.History.ConcGradeTag, cfg.History.TailGradeTag}
	for i, name := range grades {
		cfg.Tags = append(cfg.Tags, TagMapping{
			Name:    name,
			Address: fmt.Sprintf("DB20.DBD%d", i*4),
			Type:    TypeReal,
			Access:  AccessRead,
			Unit:    "%",
		})
	}

	var fast []string
	for _, t := range defaultTanks {
		levelTag := "nivel_" + t.id
		valveTag := "valvula_" + t.id
		cfg.Tags = append(cfg.Tags,
			TagMapping{Name: levelTag, Address: fmt.Sprintf("DB%d.DBD0", t.db), Type: TypeReal, Access: AccessRead, Unit: "m"},
			TagMapping{Name: valveTag, Address: fmt.Sprintf("DB%d.DBD4", t.db), Type: TypeReal, Access: AccessReadWrite, Unit: "%"},
		)
		fast = append(fast, levelTag, valveTag)

		tank := TankConfig{
			ID:             t.id,
			Name:           t.name,
			LevelTag:       levelTag,
			ValveTag:       valveTag,
			Setpoint:       1.2,
			ControlPeriod:  D(time.Second),
			SampleInterval: D(10 * time.Second),
			PID: PIDGains{
				Kp:          1.2,
				Ki:          0.1,
				Kd:          0.05,
				IntegralMax: 50,
				OutputMin:   0,
				OutputMax:   100,
			},
			GradeTag:    cfg.History.ConcGradeTag,
			GradeTarget: 60,
		}

		for i, chem := range defaultChemicals {
			base := 8 + i*10
			sp := fmt.Sprintf("dosagem_%s_%s_sp", t.id, chem)
			flow := fmt.Sprintf("dosagem_%s_%s_vazao", t.id, chem)
			run := fmt.Sprintf("dosagem_%s_%s_ligada", t.id, chem)
			cfg.Tags = append(cfg.Tags,
				TagMapping{Name: sp, Address: fmt.Sprintf("DB%d.DBD%d", t.db, base), Type: TypeReal, Access: AccessReadWrite, Unit: "ml/min"},
				TagMapping{Name: flow, Address: fmt.Sprintf("DB%d.DBD%d", t.db, base+4), Type: TypeReal, Access: AccessRead, Unit: "ml/min"},
				TagMapping{Name: run, Address: fmt.Sprintf("DB%d.DBX%d.0", t.db, base+8), Type: TypeBool, Access: AccessRead},
			)
			fast = append(fast, sp, flow, run)
			tank.Dosing = append(tank.Dosing, DosingChannelConfig{
				Chemical:    chem,
				SetpointTag: sp,
				FlowTag:     flow,
				StatusTag:   run,
				Gain:        0.5,
				MaxStep:     5,
				Min:         0,
				Max:         200,
				Initial:     50,
			})
		}
		cfg.Tanks = append(cfg.Tanks, tank)
	}

	cfg.PLC.PollGroups = []PollGroup{
		{Name: "rapido", Interval: D(time.Second), Tags: fast},
		{Name: "analise", Interval: D(30 * time.Second), Tags: grades},
	}

	return cfg
}
