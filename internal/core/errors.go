package core

import (
	"errors"
	"fmt"

	"github.com/ati-tutor/tutor-chat/internal/store"
)

var (
	ErrAuthentication      = errors.New("authentication failed")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrEmptyMessages       = errors.New("messages must not be empty")
	ErrInvalidTemperature  = errors.New("temperature must be within [0, 2]")
	ErrIndexBuild          = errors.New("index build failed")
	ErrTutorNotInitialized = errors.New("tutor has not been initialized")
	ErrInvalidTemplate     = errors.New("prompt template is missing a placeholder")
)

// TransportError reports a failed exchange with the model service: either a
// non-2xx response (Status and Body set) or a network failure (Err set).
type TransportError struct {
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("model service returned %d: %v: %s", e.Status, e.Err, e.Body)
	case e.Status != 0:
		return fmt.Sprintf("model service returned %d: %s", e.Status, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("model service unreachable: %v", e.Err)
	default:
		return "model service transport error"
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UserMessage turns an orchestrator error into the text shown to the student.
func UserMessage(err error) string {
	var te *TransportError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthentication):
		return "A chave da API é inválida ou não foi informada. Verifique a chave e tente novamente."
	case errors.Is(err, ErrRateLimitExceeded):
		return "O serviço está sobrecarregado no momento. Aguarde alguns instantes e tente novamente."
	case errors.Is(err, ErrTutorNotInitialized):
		return "O tutor ainda não foi inicializado. Adicione documentos e inicialize o tutor."
	case errors.Is(err, ErrIndexBuild):
		return "Não foi possível processar os documentos. Verifique os arquivos e tente novamente."
	case errors.Is(err, store.ErrNotFound):
		return "Conversa não encontrada."
	case errors.As(err, &te):
		return fmt.Sprintf("Erro ao comunicar com o modelo: %s", te.Error())
	default:
		return fmt.Sprintf("Erro inesperado: %v", err)
	}
}
