package models

// Tópicos do barramento. Os tópicos por chave recebem o sufixo ".<chave>".
const (
	TopicTagUpdated      = "tag.updated"
	TopicFeatureReady    = "feature.ready"
	TopicControlOutput   = "control.output"
	TopicControlFault    = "control.fault"
	TopicHistorySnapshot = "history.snapshot"
	TopicConnectionState = "connection.state"
)

// TagTopic retorna o tópico de atualização da tag
func TagTopic(name string) string {
	return TopicTagUpdated + "." + name
}

// FeatureTopic retorna o tópico de características do tanque
func FeatureTopic(tankID string) string {
	return TopicFeatureReady + "." + tankID
}

// ControlOutputTopic retorna o tópico de saída de controle do tanque
func ControlOutputTopic(tankID string) string {
	return TopicControlOutput + "." + tankID
}

// ControlFaultTopic retorna o tópico de falha de controle do tanque
func ControlFaultTopic(tankID string) string {
	return TopicControlFault + "." + tankID
}

// Any retorna o padrão que casa com todas as chaves do tópico
func Any(topic string) string {
	return topic + ".*"
}
