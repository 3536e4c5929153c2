package i18n

var ptBR = map[string]string{
	"UNKNOWN":             "Algo deu errado.",
	"UNAUTHORIZED":        "Somente o anfitrião ou um administrador pode fazer isso.",
	"INVALID_TRANSITION":  "Essa mudança de papel não é permitida.",
	"INVALID_TARGET":      "Esse participante não pode ser escolhido para esta ação.",
	"TARGET_NOT_FOUND":    "Esse participante não está mais na sessão.",
	"TRANSPORT_FAILURE":   "A conexão de mídia recusou o pedido. Tente novamente.",
	"PERSISTENCE_FAILURE": "Não foi possível salvar a mudança. Tente novamente.",
	"SESSION_ENDED":       "Esta sessão terminou.",
	"SESSION_NOT_FOUND":   "Esta sessão não existe.",
	"SESSION_EXISTS":      "Já existe uma sessão com este id.",
	"MESSAGE_NOT_FOUND":   "Essa mensagem não existe mais.",
	"MESSAGE_INVALID":     "O campo {{.Field}} da mensagem é inválido.",
	"JOIN_GRANT_INVALID":  "Seu link de entrada é inválido.",
	"JOIN_GRANT_EXPIRED":  "Seu link de entrada expirou.",
	"JOIN_GRANT_MISMATCH": "Seu link de entrada não corresponde a esta sessão ({{.Field}}).",
}
