package sellers

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryListAvailableSkipsInactive(t *testing.T) {
	repo := NewInMemoryRepository(
		&Seller{Name: "Bruno", Active: true},
		&Seller{Name: "Carla", Active: false},
		&Seller{Name: "Ana", Active: true},
	)
	list, err := repo.ListAvailable(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Ana", list[0].Name)
	assert.Equal(t, "Bruno", list[1].Name)
}

func TestInMemoryAdjustWorkloadNeverNegative(t *testing.T) {
	s := &Seller{Name: "Ana", Active: true}
	repo := NewInMemoryRepository(s)
	ctx := context.Background()

	require.NoError(t, repo.AdjustWorkload(ctx, s.ID, 2))
	require.NoError(t, repo.AdjustWorkload(ctx, s.ID, -5))
	got, err := repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentWorkload)

	assert.ErrorIs(t, repo.AdjustWorkload(ctx, uuid.New(), 1), ErrNotFound)
}

func TestFirstMessageTemplate(t *testing.T) {
	s := &Seller{Name: "Bruno"}
	assert.Equal(t, "Olá Ana! Aqui é Bruno, vou continuar seu atendimento a partir de agora.", s.FirstMessage("Ana"))

	s.FirstMessageTemplate = "Oi {cliente}, {vendedor} falando."
	assert.Equal(t, "Oi Ana, Bruno falando.", s.FirstMessage(" Ana "))
}

func TestHasSpecialty(t *testing.T) {
	s := &Seller{Specialties: []string{"Solar", " Baterias "}}
	assert.True(t, s.HasSpecialty("solar"))
	assert.True(t, s.HasSpecialty("baterias"))
	assert.False(t, s.HasSpecialty(""))
	assert.False(t, s.HasSpecialty("telhados"))
}

func TestPostgresGetAndAdjust(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	id := uuid.New()
	now := time.Now()
	cols := []string{"id", "name", "phone", "gateway_token_ref", "specialties", "active", "current_workload",
		"conversion_rate", "auto_first_message", "first_message_template", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT id, name").WithArgs(id).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(id, "Ana", "5551999990000", "SELLER_ANA_TOKEN",
			[]string{"solar"}, true, 3, 0.25, true, "", now, now))
	mock.ExpectExec("UPDATE sellers SET current_workload").WithArgs(id, 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := NewPostgresRepository(mock)
	s, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "SELLER_ANA_TOKEN", s.GatewayTokenRef)
	assert.True(t, s.HasSpecialty("solar"))
	require.NoError(t, repo.AdjustWorkload(context.Background(), id, 1))
	require.NoError(t, mock.ExpectationsWereMet())
}
