package config

import (
	"errors"
	"fmt"
)

// Validate verifica a consistência da configuração carregada
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port fora da faixa: %d", c.Server.Port)
	}
	if c.Bus.MailboxSize < 1 {
		add("bus.mailboxSize deve ser >= 1")
	}

	tags := make(map[string]TagMapping, len(c.Tags))
	for _, t := range c.Tags {
		if t.Name == "" {
			add("tag sem nome (endereço %s)", t.Address)
			continue
		}
		if _, dup := tags[t.Name]; dup {
			add("tag duplicada: %s", t.Name)
		}
		tags[t.Name] = t

		addr, err := ParseAddress(t.Address)
		if err != nil {
			add("tag %s: %v", t.Name, err)
			continue
		}
		if err := checkType(addr, t.Type); err != nil {
			add("tag %s: %v", t.Name, err)
		}
		switch t.Access {
		case AccessRead, AccessWrite, AccessReadWrite:
		default:
			add("tag %s: acesso inválido %q", t.Name, t.Access)
		}
	}

	requireTag := func(owner, name string, writable bool) {
		t, ok := tags[name]
		if !ok {
			add("%s: tag desconhecida %q", owner, name)
			return
		}
		if writable && !t.Writable() {
			add("%s: tag %q não permite escrita", owner, name)
		}
		if !writable && !t.Readable() {
			add("%s: tag %q não permite leitura", owner, name)
		}
	}

	p := c.PLC
	if p.StaleAfter < 1 {
		add("plc.staleAfter deve ser >= 1")
	}
	if p.WriteTimeout.Duration <= 0 {
		add("plc.writeTimeout deve ser positivo")
	}
	if p.Backoff.Initial.Duration <= 0 || p.Backoff.Max.Duration < p.Backoff.Initial.Duration {
		add("plc.backoff: exige 0 < initial <= max")
	}
	if p.Backoff.Jitter < 0 || p.Backoff.Jitter >= 1 {
		add("plc.backoff.jitter fora da faixa [0,1): %v", p.Backoff.Jitter)
	}
	groups := make(map[string]bool)
	for _, g := range p.PollGroups {
		if groups[g.Name] {
			add("grupo de leitura duplicado: %s", g.Name)
		}
		groups[g.Name] = true
		if g.Interval.Duration <= 0 {
			add("grupo %s: intervalo deve ser positivo", g.Name)
		}
		for _, name := range g.Tags {
			requireTag("grupo "+g.Name, name, false)
		}
	}

	tanks := make(map[string]bool)
	for _, t := range c.Tanks {
		owner := "tanque " + t.ID
		if t.ID == "" {
			add("tanque sem id")
			continue
		}
		if tanks[t.ID] {
			add("tanque duplicado: %s", t.ID)
		}
		tanks[t.ID] = true

		requireTag(owner, t.LevelTag, false)
		requireTag(owner, t.ValveTag, true)
		if t.GradeTag != "" {
			requireTag(owner, t.GradeTag, false)
		}
		if t.ControlPeriod.Duration <= 0 {
			add("%s: controlPeriod deve ser positivo", owner)
		}
		if t.SampleInterval.Duration <= 0 {
			add("%s: sampleInterval deve ser positivo", owner)
		}
		if t.PID.OutputMin >= t.PID.OutputMax {
			add("%s: pid exige outputMin < outputMax", owner)
		}
		if t.PID.IntegralMax <= 0 {
			add("%s: pid.integralMax deve ser positivo", owner)
		}
		for _, d := range t.Dosing {
			downer := owner + " dosagem " + d.Chemical
			requireTag(downer, d.SetpointTag, true)
			if d.FlowTag != "" {
				requireTag(downer, d.FlowTag, false)
			}
			if d.StatusTag != "" {
				requireTag(downer, d.StatusTag, false)
			}
			if d.Min >= d.Max {
				add("%s: exige min < max", downer)
			}
			if d.MaxStep <= 0 {
				add("%s: maxStep deve ser positivo", downer)
			}
		}
	}

	cameras := make(map[string]bool)
	for _, cam := range c.Cameras {
		if cameras[cam.ID] {
			add("câmera duplicada: %s", cam.ID)
		}
		cameras[cam.ID] = true
		if !tanks[cam.TankID] {
			add("câmera %s: tanque desconhecido %q", cam.ID, cam.TankID)
		}
		switch cam.Source {
		case SourceHTTP:
			if cam.URL == "" {
				add("câmera %s: url obrigatória", cam.ID)
			}
		case SourceDirectory:
			if cam.Path == "" {
				add("câmera %s: path obrigatório", cam.ID)
			}
		default:
			add("câmera %s: fonte desconhecida %q", cam.ID, cam.Source)
		}
	}

	if c.Pipeline.MinMatches < 1 {
		add("pipeline.minMatches deve ser >= 1")
	}
	if c.Pipeline.GLCMLevels < 2 || c.Pipeline.GLCMLevels > 256 {
		add("pipeline.glcmLevels fora da faixa [2,256]")
	}
	if c.Pipeline.RatioTest <= 0 || c.Pipeline.RatioTest > 1 {
		add("pipeline.ratioTest fora da faixa (0,1]")
	}
	if c.Pipeline.KeypointCell < 4 || c.Pipeline.PatchRadius < 1 || c.Pipeline.SearchRadius < 1 {
		add("pipeline: keypointCell >= 4, patchRadius >= 1 e searchRadius >= 1")
	}

	if c.Control.WriteFailureThreshold < 1 {
		add("control.writeFailureThreshold deve ser >= 1")
	}
	if c.Control.StaleTickLimit < 1 {
		add("control.staleTickLimit deve ser >= 1")
	}

	if c.History.QueueSize < 1 {
		add("history.queueSize deve ser >= 1")
	}
	if c.History.KPIInterval.Duration <= 0 || c.History.ControlSampleInterval.Duration <= 0 {
		add("history: kpiInterval e controlSampleInterval devem ser positivos")
	}
	for _, name := range []string{c.History.FeedGradeTag, c.History.ConcGradeTag, c.History.TailGradeTag} {
		if name != "" {
			requireTag("history", name, false)
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		add("mqtt.broker obrigatório quando habilitado")
	}
	if c.MQTT.QoS > 2 {
		add("mqtt.qos fora da faixa [0,2]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuração inválida: %w", errors.Join(errs...))
	}
	return nil
}
